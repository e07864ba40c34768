// Package api provides the HTTP server and handlers of the disk.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/archive"
	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/ephemeral"
	"github.com/xaixapi/filelist/internal/events"
	"github.com/xaixapi/filelist/internal/index"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
	"github.com/xaixapi/filelist/internal/offload"
	"github.com/xaixapi/filelist/internal/quota"
	"github.com/xaixapi/filelist/internal/sharing"
	"github.com/xaixapi/filelist/internal/stats"
	"github.com/xaixapi/filelist/internal/upload"
	"github.com/xaixapi/filelist/internal/workers"
)

// Options are the feature switches of the disk.
type Options struct {
	AuthEnabled     bool
	UploadEnabled   bool
	DeleteEnabled   bool
	AccessCounting  bool
	PublicNamespace string
	LoginURL        string
}

// Deps bundles the collaborators of the server. Offload, Events,
// RateLimiter and HTTPClient are optional.
type Deps struct {
	Root      *disk.Root
	Index     *index.Cache
	Uploads   *upload.Manager
	Archives  *archive.Streamer
	Pool      *workers.Pool
	Shares    *sharing.Resolver
	Gate      *sharing.Gate
	Auth      *auth.Auth
	Meta      metadata.Store
	Ephemeral ephemeral.Store
	Keys      ephemeral.Keyspace
	Stats     *stats.Recorder
	Offload   *offload.Redirector

	Events      *events.Broadcaster
	RateLimiter *quota.RateLimiter
	HTTPClient  *http.Client
}

// Server is the HTTP server.
type Server struct {
	opts Options

	root     *disk.Root
	index    *index.Cache
	uploads  *upload.Manager
	archives *archive.Streamer
	pool     *workers.Pool
	shares   *sharing.Resolver
	gate     *sharing.Gate
	auth     *auth.Auth
	meta     metadata.Store
	store    ephemeral.Store
	keys     ephemeral.Keyspace
	stats    *stats.Recorder
	offload  *offload.Redirector

	// SSE
	broadcaster *events.Broadcaster

	rateLimiter *quota.RateLimiter
	client      *http.Client
}

// NewServer creates a new server.
func NewServer(opts Options, deps Deps) *Server {
	if opts.PublicNamespace == "" {
		opts.PublicNamespace = "0"
	}
	if opts.LoginURL == "" {
		opts.LoginURL = "/login"
	}
	s := &Server{
		opts:        opts,
		root:        deps.Root,
		index:       deps.Index,
		uploads:     deps.Uploads,
		archives:    deps.Archives,
		pool:        deps.Pool,
		shares:      deps.Shares,
		gate:        deps.Gate,
		auth:        deps.Auth,
		meta:        deps.Meta,
		store:       deps.Ephemeral,
		keys:        deps.Keys,
		stats:       deps.Stats,
		offload:     deps.Offload,
		broadcaster: deps.Events,
		rateLimiter: deps.RateLimiter,
		client:      deps.HTTPClient,
	}
	if s.broadcaster == nil {
		s.broadcaster = events.NewBroadcaster()
	}
	if s.rateLimiter == nil {
		s.rateLimiter = quota.NewRateLimiter(0, 0)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Minute}
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Disk
	mux.HandleFunc("GET /disk", s.handleDiskGet)
	mux.HandleFunc("GET /disk/{path...}", s.handleDiskGet)
	mux.HandleFunc("GET /file/{path...}", s.handleDiskGet)
	mux.HandleFunc("POST /disk", s.handleDiskPost)
	mux.HandleFunc("POST /disk/{path...}", s.handleDiskPost)
	mux.HandleFunc("PUT /disk/{path...}", s.handleStreamUpload)
	mux.HandleFunc("DELETE /disk/{path...}", s.handleDiskDelete)

	// Sharing
	mux.HandleFunc("GET /share", s.handleShareList)
	mux.HandleFunc("GET /share/{owner...}", s.handleShareList)
	mux.HandleFunc("GET /s/{code}", s.handleShortLink)
	mux.HandleFunc("GET /share-code/{code}", s.handleShortLink)

	// Scripts and admin
	mux.HandleFunc("POST /api/token", s.auth.HandleToken)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	var h http.Handler = metrics.Routes(mux)
	h = quota.RateLimitMiddleware(s.rateLimiter)(h)
	h = s.auth.Middleware(h)
	h = logging.Recover(h)
	h = logging.Middleware(h)
	return metrics.Middleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{"status": "ok", "cached_dirs": s.index.Len()})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	target := "/disk"
	if s.opts.AuthEnabled {
		target = "/disk/" + s.opts.PublicNamespace
		if u := auth.FromContext(r.Context()).User; u != nil {
			target = "/disk/" + strconv.Itoa(u.ID)
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// ─── Access ─────────────────────────────────────────────────────────────────

// authorize applies the access gate to rel and answers the request itself
// when access is denied.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, rel string) bool {
	ok, err := s.allowed(r, rel, r.Method)
	if err != nil {
		s.sendErr(w, r, err)
		return false
	}
	if !ok {
		s.deny(w, r)
	}
	return ok
}

func (s *Server) allowed(r *http.Request, rel, method string) (bool, error) {
	req := auth.FromContext(r.Context())
	if req.APIKey {
		return true, nil
	}
	return s.gate.CanAccess(r.Context(), req.User, rel, method, r.URL.Query().Get("key"))
}

// deny sends readers to the login page and refuses everything else.
func (s *Server) deny(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		http.Redirect(w, r, s.opts.LoginURL, http.StatusFound)
		return
	}
	sendError(w, http.StatusForbidden, "Unauthorized")
}

func isAdmin(r *http.Request) bool {
	req := auth.FromContext(r.Context())
	return req.APIKey || (req.User != nil && req.User.Admin)
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if visible, err := s.allowed(r, event.Path, http.MethodGet); err != nil || !visible {
				continue
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// publish announces a disk mutation to SSE subscribers.
func (s *Server) publish(eventType, rel, from string, size int64) {
	s.broadcaster.Publish(events.Event{
		Type: eventType,
		Path: rel,
		From: from,
		Size: size,
	})
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		s.deny(w, r)
		return
	}
	var shares metadata.ShareStore
	if s.meta != nil {
		shares = s.meta
	}
	summary, err := stats.Snapshot(r.Context(), s.root.Path(), s.store, s.keys, shares)
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.Transient, "stats unavailable", err))
		return
	}
	sendOK(w, map[string]any{"stats": summary})
}

// ─── Responses ──────────────────────────────────────────────────────────────

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendOK answers {"err":0} merged with fields.
func sendOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"err": 0}
	for k, v := range fields {
		body[k] = v
	}
	sendJSON(w, http.StatusOK, body)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]any{"err": 1, "msg": message})
}

// sendErr maps err to its status and client message and logs server-side
// failures.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	body := map[string]any{"err": 1, "msg": apperr.Message(err)}
	if i, ok := apperr.MissingIndex(err); ok {
		body["missing"] = i
	}
	sendJSON(w, code, body)
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

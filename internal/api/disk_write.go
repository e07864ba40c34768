package api

import (
	"context"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/events"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/upload"
	"github.com/xaixapi/filelist/internal/workers"
)

// Multipart bodies above this size spill to temporary files.
const maxFormMemory = 32 << 20

// ─── Disk mutations ─────────────────────────────────────────────────────────

func (s *Server) handleDiskPost(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("path")
	if disk.HasTraversal(raw) {
		sendError(w, http.StatusBadRequest, "target is forbidden")
		return
	}
	rel := disk.Clean(raw)
	if !s.authorize(w, r, rel) {
		return
	}
	if err := parseForm(r); err != nil {
		sendError(w, http.StatusBadRequest, "malformed form")
		return
	}

	act, ok := postAction(r)
	if !ok {
		sendError(w, http.StatusBadRequest, "unknown action "+string(act))
		return
	}
	if act.needsTarget() && !s.root.Exists(rel) {
		s.sendErr(w, r, apperr.Errorf(apperr.NotFound, "%s not exists", rel))
		return
	}

	switch act {
	case actionFolder:
		s.handleFolder(w, r, rel)
	case actionRename:
		s.handleRename(w, r, rel)
	case actionMove:
		s.handleMove(w, r, rel)
	case actionPublic:
		s.handlePublic(w, r, rel)
	case actionShare:
		s.handleShare(w, r, rel)
	case actionUnshare:
		s.handleUnshare(w, r, rel)
	case actionDownload:
		s.handleRemoteDownload(w, r, rel)
	case actionDelete:
		s.remove(w, r, rel)
	case actionMerge:
		s.handleMerge(w, r, rel)
	default:
		s.handleUpload(w, r, rel)
	}
}

func (s *Server) handleDiskDelete(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("path")
	if disk.HasTraversal(raw) {
		sendError(w, http.StatusBadRequest, "target is forbidden")
		return
	}
	rel := disk.Clean(raw)
	if !s.authorize(w, r, rel) {
		return
	}
	s.remove(w, r, rel)
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxFormMemory)
	}
	return r.ParseForm()
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request, rel string) {
	created, err := s.root.Mkdir(rel, r.FormValue("name"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateWithParent(created)
	s.publish(events.EventCreate, created, "", 0)
	sendOK(w, map[string]any{"path": created})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, rel string) {
	target, err := s.root.Rename(rel, r.FormValue("filename"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateTree(rel)
	s.index.InvalidateWithParent(rel)
	s.index.Invalidate(target)
	s.publish(events.EventMove, target, rel, 0)
	sendOK(w, map[string]any{"msg": "renamed", "path": target})
}

// moveTarget resolves the destination folder of a move. Absolute names
// start at the namespace root in auth mode and at the disk root otherwise;
// relative names start at the parent of rel.
func (s *Server) moveTarget(rel, dirname string) string {
	base := disk.Parent(rel)
	if strings.HasPrefix(dirname, "/") {
		base = ""
		if s.opts.AuthEnabled {
			base = disk.FirstSegment(rel)
		}
	}
	return disk.Join(base, strings.Trim(dirname, "/"))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, rel string) {
	dirname := r.FormValue("dirname")
	if disk.HasTraversal(dirname) {
		sendError(w, http.StatusBadRequest, "target is forbidden")
		return
	}
	dest := s.moveTarget(rel, dirname)
	if !s.authorize(w, r, dest) {
		return
	}
	target, err := s.root.Move(rel, dest)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateTree(rel)
	s.index.InvalidateWithParent(rel)
	s.index.InvalidateWithParent(dest)
	s.index.Invalidate(target)
	s.publish(events.EventMove, target, rel, 0)
	sendOK(w, map[string]any{"msg": "moved", "path": target})
}

// handlePublic links rel into the public namespace.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request, rel string) {
	if !isAdmin(r) {
		s.sendErr(w, r, apperr.E(apperr.Permission, "permission denied"))
		return
	}
	link, err := s.root.Link(rel, s.opts.PublicNamespace)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.Invalidate(s.opts.PublicNamespace)
	s.publish(events.EventCreate, link, rel, 0)
	sendOK(w, map[string]any{"msg": rel + " published", "path": link})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, rel string) {
	if !s.opts.AuthEnabled {
		sendOK(w, map[string]any{"url": "/disk/" + rel})
		return
	}
	u := auth.FromContext(r.Context()).User
	if u == nil {
		s.sendErr(w, r, apperr.E(apperr.Permission, "sign in to share"))
		return
	}
	days := 0
	if v := r.FormValue("days"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = d
	}
	sh, removed, err := s.shares.CreateOrToggle(r.Context(), u, rel, days, r.FormValue("batch") != "")
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if removed {
		sendOK(w, map[string]any{"msg": rel + " unshared"})
		return
	}
	// The short link is minted on first access; a re-share reports the
	// live one.
	link, err := s.shares.Links().Get(r.Context(), sh.ID)
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.Transient, "read link", err))
		return
	}
	s.publish(events.EventShare, rel, "", sh.Size)
	sendOK(w, map[string]any{"msg": rel + " shared", "key": sh.ID, "link": link})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request, rel string) {
	u := auth.FromContext(r.Context()).User
	if !s.opts.AuthEnabled || u == nil {
		sendOK(w, nil)
		return
	}
	if err := s.shares.Unshare(r.Context(), u, rel); err != nil {
		s.sendErr(w, r, err)
		return
	}
	sendOK(w, map[string]any{"msg": rel + " unshared"})
}

// remove deletes rel along with its share records, short links, access
// counters and public links.
func (s *Server) remove(w http.ResponseWriter, r *http.Request, rel string) {
	ctx := r.Context()
	log := logging.WithContext(ctx)
	if u := auth.FromContext(ctx).User; s.opts.AuthEnabled && u != nil {
		sh, err := s.shares.ShareOf(ctx, u, rel)
		if err != nil {
			log.Warn("share lookup failed", zap.String("path", rel), zap.Error(err))
		} else if sh != nil {
			if err := s.shares.Links().Drop(ctx, sh.ID); err != nil {
				log.Warn("drop short link failed", zap.String("path", rel), zap.Error(err))
			}
			if err := s.stats.Touch(ctx); err != nil {
				log.Warn("upload flag failed", zap.Error(err))
			}
		}
	}

	if !s.opts.DeleteEnabled {
		sendError(w, http.StatusForbidden, "delete disabled")
		return
	}
	if rel == "" {
		sendError(w, http.StatusBadRequest, "target is forbidden")
		return
	}
	if !s.root.Exists(rel) {
		s.sendErr(w, r, apperr.Errorf(apperr.NotFound, "%s not exists", rel))
		return
	}

	if err := s.shares.ForgetPath(ctx, rel); err != nil {
		log.Warn("forget shares failed", zap.String("path", rel), zap.Error(err))
	}
	if err := s.stats.Forget(ctx, rel); err != nil {
		log.Warn("forget counters failed", zap.String("path", rel), zap.Error(err))
	}
	if s.opts.AuthEnabled && disk.FirstSegment(rel) != s.opts.PublicNamespace {
		removed, err := s.root.Unlink(rel, s.opts.PublicNamespace)
		if err != nil {
			log.Warn("unlink public copies failed", zap.String("path", rel), zap.Error(err))
		}
		for _, l := range removed {
			s.index.InvalidateWithParent(l)
		}
	}

	if err := s.root.Remove(rel); err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateTree(rel)
	s.index.InvalidateWithParent(rel)
	s.publish(events.EventDelete, rel, "", 0)
	log.Info("deleted", zap.String("path", rel))
	sendOK(w, map[string]any{"msg": rel + " deleted"})
}

// ─── Uploads ────────────────────────────────────────────────────────────────

func (s *Server) uploadAllowed(w http.ResponseWriter) bool {
	if !s.opts.UploadEnabled {
		sendError(w, http.StatusForbidden, "upload disabled")
		return false
	}
	return true
}

// audit records an upload in the recent-uploads list.
func (s *Server) audit(ctx context.Context, rel string) {
	if err := s.stats.Upload(ctx, rel); err != nil {
		logging.WithContext(ctx).Warn("upload audit failed", zap.String("path", rel), zap.Error(err))
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rel string) {
	if !s.uploadAllowed(w) {
		return
	}
	if r.FormValue("chunks") != "" && r.FormValue("chunk") != "" {
		s.handleChunk(w, r, rel)
		return
	}

	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		for _, fhs := range r.MultipartForm.File {
			files = append(files, fhs...)
		}
	}
	paths, err := s.uploads.SaveMultipart(r.Context(), rel, files)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateWithParent(rel)
	for _, p := range paths {
		s.index.Invalidate(disk.Parent(p))
		s.publish(events.EventCreate, p, "", 0)
	}
	s.audit(r.Context(), paths[0])

	resp := map[string]any{"path": paths[0]}
	if len(paths) > 1 {
		resp["paths"] = paths
	}
	sendOK(w, resp)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request, rel string) {
	chunks, err1 := strconv.Atoi(r.FormValue("chunks"))
	index, err2 := strconv.Atoi(r.FormValue("chunk"))
	if err1 != nil || err2 != nil {
		sendError(w, http.StatusBadRequest, "invalid chunk number")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "files not found")
		return
	}
	defer file.Close()

	session := upload.SessionID(r.FormValue("guid"), r.FormValue("id"))
	if _, err := s.uploads.WriteChunk(r.Context(), session, chunks, index, file); err != nil {
		s.sendErr(w, r, err)
		return
	}
	if index == 0 {
		s.audit(r.Context(), disk.Join(rel, upload.CleanFilename(r.FormValue("name"))))
	}
	sendOK(w, nil)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, rel string) {
	if !s.uploadAllowed(w) {
		return
	}
	name := r.FormValue("name")
	if u, err := url.PathUnescape(name); err == nil {
		name = u
	}
	session := upload.SessionID(r.FormValue("guid"), r.FormValue("id"))
	md5 := r.FormValue("md5")
	merged, err := workers.Run(r.Context(), s.pool, func(ctx context.Context) (string, error) {
		return s.uploads.Merge(ctx, session, rel, name, md5)
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.index.InvalidateWithParent(merged)
	if info, err := s.root.Stat(merged); err == nil {
		s.publish(events.EventCreate, merged, "", info.Size())
	}
	sendOK(w, map[string]any{"path": merged, "name": path.Base(merged)})
}

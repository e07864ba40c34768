package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/index"
	"github.com/xaixapi/filelist/internal/preview"
	"github.com/xaixapi/filelist/internal/upload"
	"github.com/xaixapi/filelist/internal/workers"
)

// Text previews read at most this much of a file.
const maxPreviewBytes = 8 << 20

// ─── Disk reads ─────────────────────────────────────────────────────────────

func (s *Server) handleDiskGet(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("path")
	if disk.HasTraversal(raw) {
		sendError(w, http.StatusBadRequest, "target is forbidden")
		return
	}
	rel := disk.Clean(raw)
	if !s.authorize(w, r, rel) {
		return
	}

	isFile := false
	if info, err := s.root.Stat(rel); err == nil {
		isFile = !info.IsDir()
	}

	switch readIntent(r, isFile) {
	case intentStatus:
		s.handleChunkStatus(w, r)
	case intentSearch:
		s.handleSearch(w, r, rel)
	case intentTree:
		noCache(w)
		sendJSON(w, http.StatusOK, map[string]any{"nodes": s.index.Tree(rel)})
	case intentInfo:
		s.handleInfo(w, r, rel)
	case intentDownload:
		s.count(r, rel)
		if isFile {
			w.Header().Set("Content-Type", "application/octet-stream")
			s.serveFile(w, r, rel, attachmentDisposition(path.Base(rel)))
			return
		}
		if !s.root.Exists(rel) {
			s.sendErr(w, r, apperr.Errorf(apperr.NotFound, "%s not exists", rel))
			return
		}
		s.serveArchive(w, r, rel)
	case intentPreview:
		s.count(r, rel)
		s.handlePreview(w, r, rel)
	case intentServe:
		s.count(r, rel)
		s.serveFile(w, r, rel, "")
	default:
		s.handleList(w, r, rel)
	}
}

// listQuery reads sort and page parameters, falling back to defaults for
// anything malformed.
func listQuery(r *http.Request) index.Query {
	q := r.URL.Query()
	lq := index.Query{Sort: q.Get("sort"), Order: index.DefaultOrder, Page: 1, Size: index.DefaultPageSize}
	if v, err := strconv.Atoi(q.Get("order")); err == nil {
		lq.Order = v
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		lq.Page = v
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil && v > 0 {
		lq.Size = v
	}
	return lq
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, rel string) {
	entries, err := workers.Run(r.Context(), s.pool, func(ctx context.Context) ([]index.Entry, error) {
		return s.index.List(ctx, rel)
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	noCache(w)
	page := index.View(entries, listQuery(r))
	sendOK(w, map[string]any{
		"path":    rel,
		"entries": page.Entries,
		"total":   page.Total,
		"pages":   page.Pages,
		"page":    page.Page,
		"size":    page.Size,
	})
}

// handleSearch looks up cached entries by name. With auth enabled the
// search is confined to the requested subtree.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, rel string) {
	prefix := ""
	if s.opts.AuthEnabled {
		prefix = rel
	}
	q := r.URL.Query().Get("q")
	entries, err := workers.Run(r.Context(), s.pool, func(ctx context.Context) ([]index.Entry, error) {
		return s.index.Search(prefix, q), nil
	})
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	noCache(w)
	page := index.Paginate(entries, listQuery(r))
	sendOK(w, map[string]any{
		"path":    rel,
		"q":       q,
		"entries": page.Entries,
		"total":   page.Total,
		"pages":   page.Pages,
		"page":    page.Page,
		"size":    page.Size,
	})
}

// handleInfo reports whether the requester shares rel.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, rel string) {
	shared := false
	if u := auth.FromContext(r.Context()).User; s.opts.AuthEnabled && u != nil {
		sh, err := s.shares.ShareOf(r.Context(), u, rel)
		if err != nil {
			s.sendErr(w, r, err)
			return
		}
		shared = sh != nil
	}
	noCache(w)
	sendJSON(w, http.StatusOK, map[string]any{"share": shared})
}

func (s *Server) handleChunkStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := s.uploads.Status(upload.SessionID(q.Get("guid"), q.Get("id")))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	noCache(w)
	sendOK(w, map[string]any{
		"id":       sess.ID,
		"chunks":   sess.Chunks,
		"received": sess.Received,
		"missing":  sess.Missing(),
	})
}

// ─── Preview ────────────────────────────────────────────────────────────────

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request, rel string) {
	abs, err := s.root.Abs(rel)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	name := path.Base(rel)

	switch preview.Classify(name) {
	case preview.Zip:
		s.sendListing(w, r, rel, func() ([]preview.Item, error) { return preview.ListZip(abs) })
	case preview.Tar:
		s.sendListing(w, r, rel, func() ([]preview.Item, error) { return preview.ListTar(abs) })
	case preview.Video:
		sendHTML(w, preview.RenderVideo(r.URL.Path))
	case preview.Audio:
		sendHTML(w, preview.RenderAudio(r.URL.Path))
	case preview.JSON:
		src, err := readPreview(abs)
		if err != nil {
			s.sendErr(w, r, err)
			return
		}
		if !json.Valid(src) {
			s.sendErr(w, r, apperr.E(apperr.Validation, "invalid json"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(src)
	case preview.Markdown:
		s.renderText(w, r, abs, preview.RenderMarkdown)
	case preview.Code:
		s.renderText(w, r, abs, func(src []byte) (string, error) { return preview.RenderCode(name, src) })
	case preview.Raw:
		s.serveFile(w, r, rel, "")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "preview not supported")
	}
}

// sendListing previews an archive as a listing of its members. Files that
// are not archives after all are not previewable.
func (s *Server) sendListing(w http.ResponseWriter, r *http.Request, rel string, list func() ([]preview.Item, error)) {
	items, err := list()
	if errors.Is(err, preview.ErrNotArchive) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "preview not supported")
		return
	}
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.Validation, "unreadable archive", err))
		return
	}
	sendOK(w, map[string]any{"path": rel, "entries": items})
}

func (s *Server) renderText(w http.ResponseWriter, r *http.Request, abs string, render func([]byte) (string, error)) {
	src, err := readPreview(abs)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	page, err := render(src)
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.Other, "render preview", err))
		return
	}
	sendHTML(w, page)
}

func readPreview(abs string) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindOf(err), "open", err)
	}
	defer f.Close()
	src, err := io.ReadAll(io.LimitReader(f, maxPreviewBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "read", err)
	}
	return src, nil
}

func sendHTML(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, page)
}

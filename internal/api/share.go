package api

import (
	"net/http"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/sharing"
)

// ─── Sharing ────────────────────────────────────────────────────────────────

// handleShareList lists the requester's shares. Admins may list another
// owner's shares by passing that owner's token.
func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
	if !s.opts.AuthEnabled {
		http.Redirect(w, r, "/disk", http.StatusFound)
		return
	}
	u := auth.FromContext(r.Context()).User
	if r.PathValue("owner") == "" {
		if u == nil {
			http.Redirect(w, r, "/disk", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/share/"+strconv.Itoa(u.ID), http.StatusFound)
		return
	}
	if u == nil {
		http.Redirect(w, r, s.opts.LoginURL, http.StatusFound)
		return
	}

	q := r.URL.Query()
	token := u.Token
	if t := q.Get("token"); t != "" && u.Admin {
		token = t
	}
	order := 0
	if v, err := strconv.Atoi(q.Get("order")); err == nil {
		order = v
	}
	views, err := s.shares.List(r.Context(), token, q.Get("q"), q.Get("sort"), order)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	noCache(w)
	sendOK(w, map[string]any{"entries": views})
}

// handleShortLink serves the target of a short code or share id: a file
// inline, a directory as an archive.
func (s *Server) handleShortLink(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !sharing.IsCode(code) {
		sendError(w, http.StatusNotFound, "link not found")
		return
	}
	ctx := r.Context()
	sh, err := s.shares.Access(ctx, code)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	info, err := s.root.Stat(sh.Path)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	if info.IsDir() {
		s.serveArchive(w, r, sh.Path)
	} else {
		s.serveFile(w, r, sh.Path, inlineDisposition(path.Base(sh.Path)))
	}
	if r.Method != http.MethodGet {
		return
	}
	if _, err := s.stats.Access(ctx, sh.Path); err != nil {
		logging.WithContext(ctx).Warn("access counter failed", zap.String("path", sh.Path), zap.Error(err))
	}
	if _, err := s.stats.Send(ctx); err != nil {
		logging.WithContext(ctx).Warn("send counter failed", zap.Error(err))
	}
}

package api

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/archive"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Content types the extension table gets wrong for this disk.
var contentTypes = map[string]string{
	".webp": "image/webp",
	".ts":   "application/octet-stream",
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// inlineDisposition names a file shown in the browser.
func inlineDisposition(name string) string {
	if isASCII(name) {
		return "inline;filename=" + url.PathEscape(name)
	}
	return "inline;filename*=UTF-8''" + url.PathEscape(name)
}

// attachmentDisposition names a file saved by the client.
func attachmentDisposition(name string) string {
	return "attachment;filename*=UTF-8''" + url.PathEscape(name)
}

// serveFile answers with the bytes of the file at rel, honouring Range,
// HEAD and conditional requests. Offloaded files are redirected instead.
// An empty disposition leaves the header unset.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rel, disposition string) {
	ctx := r.Context()
	if r.Method == http.MethodGet {
		loc, err := s.offload.Location(ctx, rel)
		if err != nil {
			logging.WithContext(ctx).Warn("offload lookup failed", zap.String("path", rel), zap.Error(err))
		} else if loc != "" {
			http.Redirect(w, r, loc, http.StatusFound)
			return
		}
	}

	abs, err := s.root.Abs(rel)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.KindOf(err), rel+" not exists", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.sendErr(w, r, apperr.Wrap(apperr.Transient, "stat", err))
		return
	}
	if info.IsDir() {
		s.sendErr(w, r, apperr.E(apperr.Validation, "target is directory"))
		return
	}

	name := path.Base(rel)
	if ct, ok := contentTypes[strings.ToLower(path.Ext(name))]; ok && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", ct)
	}
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
	if r.Method == http.MethodGet {
		metrics.RecordDownload(info.Size())
	}
}

// serveArchive answers with a ZIP of the directory at rel. A failed build
// yields an empty body.
func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request, rel string) {
	abs, err := s.root.Abs(rel)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	name := archive.Name(abs)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment;filename="+url.PathEscape(name))
	if r.Method == http.MethodHead {
		return
	}
	data := s.archives.Archive(r.Context(), abs)
	w.Write(data)
}

// count records an access to rel when access counting is enabled.
func (s *Server) count(r *http.Request, rel string) {
	if !s.opts.AccessCounting {
		return
	}
	if _, err := s.stats.Access(r.Context(), rel); err != nil {
		logging.WithContext(r.Context()).Warn("access counter failed", zap.String("path", rel), zap.Error(err))
	}
}

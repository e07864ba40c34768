package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/events"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
	"github.com/xaixapi/filelist/internal/retry"
	"github.com/xaixapi/filelist/internal/upload"
	"github.com/xaixapi/filelist/internal/workers"
)

const fetchUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.1.1 Safari/605.1.15"

var sourceSeparators = regexp.MustCompile(`[,;\n\t]`)

// splitSources splits the src field of a remote download into URLs.
func splitSources(src string) []string {
	var out []string
	for _, s := range sourceSeparators.Split(src, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fetchName is the file name a URL is saved under: its last path segment.
func fetchName(u *url.URL) string {
	name := upload.CleanFilename(path.Base(u.Path))
	if name == "" || name == "." || name == "/" {
		return "index.html"
	}
	return name
}

func (s *Server) handleRemoteDownload(w http.ResponseWriter, r *http.Request, rel string) {
	if !s.uploadAllowed(w) {
		return
	}
	sources := splitSources(r.FormValue("src"))
	if len(sources) == 0 {
		sendError(w, http.StatusBadRequest, "src is required")
		return
	}

	paths, err := workers.Run(r.Context(), s.pool, func(ctx context.Context) ([]string, error) {
		var paths []string
		for _, src := range sources {
			p, err := s.fetch(ctx, rel, src)
			if err != nil {
				return paths, err
			}
			paths = append(paths, p)
		}
		return paths, nil
	})
	s.index.InvalidateWithParent(rel)
	for _, p := range paths {
		s.publish(events.EventCreate, p, "", 0)
	}
	if len(paths) > 0 {
		s.audit(r.Context(), paths[0])
	}
	if err != nil {
		logging.WithContext(r.Context()).Warn("remote download failed", zap.String("dir", rel), zap.Error(err))
		sendJSON(w, apperr.HTTPStatus(err), map[string]any{"err": 1, "msg": "download failed", "paths": paths})
		return
	}
	sendOK(w, map[string]any{"msg": "downloaded", "paths": paths})
}

// fetch downloads src into the folder dir, retrying transient failures.
func (s *Server) fetch(ctx context.Context, dir, src string) (string, error) {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.Errorf(apperr.Validation, "invalid url %q", src)
	}
	rel := disk.Join(dir, fetchName(u))
	dst, err := s.root.Abs(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", apperr.Wrap(apperr.Transient, "create folder", err)
	}

	cfg := retry.DefaultConfig()
	cfg.Name = "remote download"
	n, err := retry.DoWithResult(ctx, cfg, func() (int64, error) {
		return s.fetchOnce(ctx, u.String(), dst)
	})
	if err != nil {
		return "", err
	}
	metrics.RecordUpload("remote", n)
	logging.WithContext(ctx).Info("remote file saved", zap.String("url", src), zap.String("path", rel), zap.Int64("size", n))
	return rel, nil
}

func (s *Server) fetchOnce(ctx context.Context, src, dst string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Validation, "invalid url", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, retry.Retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, retry.Retryable(fmt.Errorf("fetch %s: status %d", src, resp.StatusCode))
	case resp.StatusCode >= 400:
		return 0, apperr.Errorf(apperr.Validation, "fetch %s: status %d", src, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".fetch-*")
	if err != nil {
		return 0, apperr.Wrap(apperr.Transient, "create temp file", err)
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, retry.Retryable(err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, apperr.Wrap(apperr.Transient, "save download", err)
	}
	return n, nil
}

package api

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/events"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/upload"
)

// handleStreamUpload writes a PUT body straight to its target, reporting
// progress as plain text lines while the body arrives.
//
//	curl -T big.iso https://host/disk/1/big.iso
func (s *Server) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("path")
	rel := disk.Clean(raw)
	if !disk.HasTraversal(raw) && !s.authorize(w, r, rel) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.opts.UploadEnabled {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "upload disabled\n")
		return
	}

	st, err := upload.OpenStream(s.root, raw)
	if err != nil {
		w.WriteHeader(apperr.HTTPStatus(err))
		io.WriteString(w, apperr.Message(err)+"\n")
		return
	}
	defer st.Close()

	rc := http.NewResponseController(w)
	// Progress lines are written while the body is still being read.
	_ = rc.EnableFullDuplex()
	w.WriteHeader(http.StatusOK)

	log := logging.WithContext(r.Context())
	n, err := st.Copy(r.Body, r.ContentLength, func(pct int) {
		fmt.Fprintf(w, "uploading process %d%%\n", pct)
		rc.Flush()
	})
	s.index.InvalidateWithParent(st.Path())
	if err != nil {
		log.Warn("stream upload aborted", zap.String("path", st.Path()), zap.Int64("written", n), zap.Error(err))
		io.WriteString(w, "upload failed\n")
		return
	}
	s.publish(events.EventCreate, st.Path(), "", n)
	s.audit(r.Context(), st.Path())
	log.Info("stream upload finished", zap.String("path", st.Path()), zap.Int64("size", n))
	io.WriteString(w, "upload succeed\n")
}

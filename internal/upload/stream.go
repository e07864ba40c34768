package upload

import (
	"io"
	"os"
	"path/filepath"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/metrics"
)

// ProgressStep is the minimum advance, in percentage points, between two
// progress reports of a streaming upload.
const ProgressStep = 5

const streamBufferSize = 256 << 10

// Stream writes one request body straight to its destination file. There is
// no temp file: an aborted upload leaves the partial file in place.
type Stream struct {
	f       *os.File
	rel     string
	written int64
	last    int
}

// OpenStream validates rel and opens its destination for writing before any
// body byte is read. Parent directories are created as needed.
func OpenStream(root *disk.Root, rel string) (*Stream, error) {
	if disk.HasTraversal(rel) {
		return nil, apperr.E(apperr.Validation, "target is forbidden")
	}
	rel = disk.Clean(rel)
	if rel == "" {
		return nil, apperr.E(apperr.Validation, "target is directory")
	}
	abs, err := root.Abs(rel)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return nil, apperr.E(apperr.Validation, "target is directory")
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "create parent folder", err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transient, "open target", err)
	}
	return &Stream{f: f, rel: rel}, nil
}

// Path returns the destination relative to the disk root.
func (s *Stream) Path() string { return s.rel }

// Written returns the number of bytes written so far.
func (s *Stream) Written() int64 { return s.written }

// Copy writes body to the file as it arrives. When length is known,
// progress is called each time the cumulative percentage has advanced by
// more than ProgressStep since the last report.
func (s *Stream) Copy(body io.Reader, length int64, progress func(pct int)) (int64, error) {
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := s.f.Write(buf[:n]); err != nil {
				metrics.RecordUpload("stream", s.written)
				return s.written, apperr.Wrap(apperr.Transient, "write target", err)
			}
			s.written += int64(n)
			if length > 0 && progress != nil {
				pct := int(s.written * 100 / length)
				if pct > s.last+ProgressStep {
					s.last = pct
					progress(pct)
				}
			}
		}
		if rerr == io.EOF {
			metrics.RecordUpload("stream", s.written)
			return s.written, nil
		}
		if rerr != nil {
			metrics.RecordUpload("stream", s.written)
			return s.written, apperr.Wrap(apperr.Transient, "read body", rerr)
		}
	}
}

// Close closes the destination file.
func (s *Stream) Close() error {
	return s.f.Close()
}

package upload

import (
	"context"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

var dirtyRun = regexp.MustCompile(`[\s%]+`)

// CleanFilename reduces a client supplied file name to a safe base name.
// Whitespace runs collapse to one space; runs containing '%' are dropped.
func CleanFilename(name string) string {
	name = dirtyRun.ReplaceAllStringFunc(name, func(run string) string {
		if strings.TrimSpace(run) == "" {
			return " "
		}
		return ""
	})
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// SaveMultipart writes each uploaded file into destDir and returns the new
// paths relative to the disk root.
func (m *Manager) SaveMultipart(ctx context.Context, destDir string, files []*multipart.FileHeader) ([]string, error) {
	if len(files) == 0 {
		return nil, apperr.E(apperr.Validation, "files not found")
	}
	dirAbs, err := m.root.Abs(destDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dirAbs, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.Transient, "create folder", err)
	}

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		name := CleanFilename(fh.Filename)
		if name == "" {
			continue
		}
		rel := disk.Join(destDir, name)
		n, err := m.saveFile(filepath.Join(dirAbs, name), fh)
		if err != nil {
			return paths, apperr.Wrap(apperr.Transient, "save "+name, err)
		}
		metrics.RecordUpload("multipart", n)
		logging.WithContext(ctx).Info("file uploaded", zap.String("path", rel), zap.Int64("size", n))
		paths = append(paths, rel)
	}
	if len(paths) == 0 {
		return nil, apperr.E(apperr.Validation, "files not found")
	}
	return paths, nil
}

func (m *Manager) saveFile(dst string, fh *multipart.FileHeader) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

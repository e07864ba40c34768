// Package archive builds ZIP archives of directory subtrees.
package archive

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
	"github.com/xaixapi/filelist/internal/workers"
)

// Name returns the download name for an archive of dir.
func Name(dir string) string {
	return filepath.Base(dir) + ".zip"
}

// Build returns an in-memory ZIP of every regular file beneath dir. Entries
// are named "<base of dir>/<path relative to dir>" and carry the FAT creator
// tag so that no platform-specific attributes are recorded. Symbolic links
// are followed, so published folders archive their targets' bytes; a link
// back into a folder being archived is skipped.
func Build(ctx context.Context, dir string) ([]byte, error) {
	base := filepath.Base(dir)
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	b := &builder{zw: zw, open: map[string]bool{}}
	if err := b.addDir(ctx, resolved, base); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type builder struct {
	zw *zip.Writer
	// open holds the resolved folders on the current descent.
	open map[string]bool
}

func (b *builder) addDir(ctx context.Context, dir, name string) error {
	if b.open[dir] {
		return nil
	}
	b.open[dir] = true
	defer delete(b.open, dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, d := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, d.Name())
		entryName := path.Join(name, d.Name())
		switch {
		case d.IsDir():
			err = b.addDir(ctx, p, entryName)
		case d.Type().IsRegular():
			err = b.addFile(p, entryName)
		case d.Type()&fs.ModeSymlink != 0:
			err = b.addLink(ctx, p, entryName)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// addLink archives the target of the link at p. Dangling links and links to
// special files are left out.
func (b *builder) addLink(ctx context.Context, p, name string) error {
	target, err := filepath.EvalSymlinks(p)
	if err != nil {
		return nil
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil
	}
	switch {
	case info.IsDir():
		return b.addDir(ctx, target, name)
	case info.Mode().IsRegular():
		return b.addFile(target, name)
	}
	return nil
}

func (b *builder) addFile(p, name string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	// CreatorVersion's high byte stays 0 (MS-DOS/FAT).
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// Streamer builds archives on the worker pool.
type Streamer struct {
	pool *workers.Pool
}

// NewStreamer returns a streamer using pool.
func NewStreamer(pool *workers.Pool) *Streamer {
	return &Streamer{pool: pool}
}

// Archive builds the archive of dir off the calling goroutine. Any failure
// yields an empty result; the cause is logged and counted only.
func (s *Streamer) Archive(ctx context.Context, dir string) []byte {
	start := time.Now()
	data, err := workers.Run(ctx, s.pool, func(ctx context.Context) ([]byte, error) {
		return Build(ctx, dir)
	})
	metrics.RecordArchiveBuild(time.Since(start), err == nil)
	if err != nil {
		logging.WithContext(ctx).Error("archive build failed", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	metrics.RecordDownload(int64(len(data)))
	return data
}

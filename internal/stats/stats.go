// Package stats keeps the server's bookkeeping counters: the upload audit
// list, download totals and an hourly count of files on disk.
package stats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaixapi/filelist/internal/ephemeral"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metadata"
	"github.com/xaixapi/filelist/internal/metrics"
)

const (
	timeLayout = "2006-01-02 15:04:05"

	uploadFlagTTL = 4900 * time.Second
	uploadListTTL = 12 * time.Hour
	// The file count runs once the upload flag's remaining lifetime drops
	// below this.
	countBelowTTL = 3600 * time.Second
	auditLimit    = 100
)

// Recorder writes counters to the ephemeral store.
type Recorder struct {
	store ephemeral.Store
	keys  ephemeral.Keyspace
	now   func() time.Time
}

// NewRecorder returns a recorder writing under keys.
func NewRecorder(store ephemeral.Store, keys ephemeral.Keyspace) *Recorder {
	return &Recorder{store: store, keys: keys, now: time.Now}
}

// Upload records a completed upload of rel in the audit list and flags the
// disk for recounting.
func (r *Recorder) Upload(ctx context.Context, rel string) error {
	if err := r.store.SetEX(ctx, r.keys.UploadFlag(), "1", uploadFlagTTL); err != nil {
		return err
	}
	entry := r.now().Format(timeLayout) + " " + rel
	if err := r.store.LPush(ctx, r.keys.UploadList(), entry); err != nil {
		return err
	}
	return r.store.Expire(ctx, r.keys.UploadList(), uploadListTTL)
}

// Touch flags the disk for recounting without an audit entry.
func (r *Recorder) Touch(ctx context.Context) error {
	return r.store.SetEX(ctx, r.keys.UploadFlag(), "1", uploadFlagTTL)
}

// Access increments the access counter of rel.
func (r *Recorder) Access(ctx context.Context, rel string) (int64, error) {
	return r.store.Incr(ctx, r.keys.Num(rel))
}

// Send increments the total number of short-link downloads.
func (r *Recorder) Send(ctx context.Context) (int64, error) {
	return r.store.Incr(ctx, r.keys.SendTotal())
}

// Forget drops the access counters of rel and everything beneath it.
func (r *Recorder) Forget(ctx context.Context, rel string) error {
	if err := r.store.Delete(ctx, r.keys.Num(rel)); err != nil {
		return err
	}
	_, err := ephemeral.DeletePrefix(ctx, r.store, r.keys.NumPrefix(rel)+"/")
	return err
}

// FileCounter periodically counts the files on disk.
type FileCounter struct {
	root    string
	store   ephemeral.Store
	keys    ephemeral.Keyspace
	workers int
	now     func() time.Time
	running atomic.Bool
}

// NewFileCounter returns a counter for the tree at root.
func NewFileCounter(root string, store ephemeral.Store, keys ephemeral.Keyspace, workers int) *FileCounter {
	if workers < 1 {
		workers = 1
	}
	return &FileCounter{root: root, store: store, keys: keys, workers: workers, now: time.Now}
}

// Start runs the count every interval until ctx is done.
func (c *FileCounter) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil {
					logging.Error("file count failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunOnce recounts the files on disk when uploads flagged the disk and the
// flag has been standing for a while. It reports whether a count ran.
func (c *FileCounter) RunOnce(ctx context.Context) (bool, error) {
	ttl, err := c.store.TTL(ctx, c.keys.UploadFlag())
	if errors.Is(err, ephemeral.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ttl >= countBelowTTL || !c.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer c.running.Store(false)

	n, err := c.Count(ctx)
	if err != nil {
		return false, err
	}
	prev := c.previous(ctx)
	if err := c.store.SetEX(ctx, c.keys.FileCount(), fmt.Sprintf("%d   ( %+d )", n, n-prev), 0); err != nil {
		return false, err
	}
	if err := c.store.SetEX(ctx, c.keys.CountUpdate(), c.now().Format(timeLayout), 0); err != nil {
		return false, err
	}
	if err := c.store.Delete(ctx, c.keys.UploadFlag()); err != nil {
		return false, err
	}
	metrics.SetDiskFiles(n)
	logging.Info("file count updated", zap.Int64("files", n), zap.Int64("delta", n-prev))
	return true, nil
}

func (c *FileCounter) previous(ctx context.Context) int64 {
	v, err := c.store.Get(ctx, c.keys.FileCount())
	if err != nil {
		return 0
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.ParseInt(fields[0], 10, 64)
	return n
}

// Count returns the number of regular files beneath the root. Directories
// are read in parallel.
func (c *FileCounter) Count(ctx context.Context) (int64, error) {
	var dirs []string
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == c.root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var total atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, dir := range dirs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil
			}
			var n int64
			for _, e := range entries {
				if e.Type().IsRegular() {
					n++
				}
			}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total.Load(), nil
}

// Summary is the admin statistics view.
type Summary struct {
	FileCount   string     `json:"file_count"`
	CountUpdate string     `json:"count_update"`
	Uploads     []string   `json:"upload_list"`
	SendTotal   int64      `json:"send_total"`
	Shares      int        `json:"share_documents"`
	Disk        *DiskUsage `json:"disk,omitempty"`
}

// Snapshot gathers the summary for the disk at root.
func Snapshot(ctx context.Context, root string, store ephemeral.Store, keys ephemeral.Keyspace, shares metadata.ShareStore) (*Summary, error) {
	vals, err := store.MGet(ctx, keys.FileCount(), keys.CountUpdate(), keys.SendTotal())
	if err != nil {
		return nil, err
	}
	uploads, err := store.LRange(ctx, keys.UploadList(), 0, auditLimit)
	if err != nil {
		return nil, err
	}
	s := &Summary{FileCount: vals[0], CountUpdate: vals[1], Uploads: uploads}
	s.SendTotal, _ = strconv.ParseInt(vals[2], 10, 64)
	if shares != nil {
		if s.Shares, err = shares.CountShares(ctx); err != nil {
			return nil, err
		}
	}
	if usage, err := Usage(root); err == nil {
		s.Disk = usage
	} else {
		logging.WithContext(ctx).Warn("disk usage unavailable", zap.Error(err))
	}
	return s, nil
}

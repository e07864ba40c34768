// Package upload implements the three ways files reach the disk: resumable
// chunked uploads reassembled by a merge, plain multipart forms, and one
// streaming PUT body.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaixapi/filelist/internal/apperr"
	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

const (
	defaultSessionExpiry = 24 * time.Hour
	cleanupInterval      = 15 * time.Minute
)

// Config holds chunk staging settings.
type Config struct {
	TmpDir        string
	SessionExpiry time.Duration
}

// Manager stages chunk fragments per session and merges them into the disk.
type Manager struct {
	root   *disk.Root
	tmpDir string
	expiry time.Duration
	merges singleflight.Group
}

// NewManager creates the staging directory and returns a manager.
func NewManager(root *disk.Root, cfg Config) (*Manager, error) {
	if cfg.TmpDir == "" {
		return nil, fmt.Errorf("upload tmp dir is required")
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload tmp dir: %w", err)
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = defaultSessionExpiry
	}
	return &Manager{root: root, tmpDir: cfg.TmpDir, expiry: cfg.SessionExpiry}, nil
}

// SessionID joins the client GUID and logical upload id.
func SessionID(guid, id string) string {
	return guid + "-" + id
}

// Session describes the fragments received so far.
type Session struct {
	ID       string `json:"id"`
	Chunks   int    `json:"chunks"`
	Received []int  `json:"received"`
}

// Missing returns the indices not yet received.
func (s *Session) Missing() []int {
	var out []int
	for i := 0; i < s.Chunks; i++ {
		if _, ok := slices.BinarySearch(s.Received, i); !ok {
			out = append(out, i)
		}
	}
	return out
}

func validSession(id string) bool {
	if id == "" || id == "-" || id == "." || id == ".." || len(id) > 200 {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0) && !strings.HasPrefix(id, ".")
}

func (m *Manager) sessionDir(id string) (string, error) {
	if !validSession(id) {
		return "", apperr.E(apperr.Validation, "invalid upload session")
	}
	return filepath.Join(m.tmpDir, id), nil
}

func fragmentName(chunks, index int) string {
	return strconv.Itoa(chunks) + "_" + strconv.Itoa(index)
}

// parseFragment splits "<chunks>_<index>".
func parseFragment(name string) (chunks, index int, ok bool) {
	a, b, found := strings.Cut(name, "_")
	if !found {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(a)
	i, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || c <= 0 || i < 0 || i >= c {
		return 0, 0, false
	}
	return c, i, true
}

// WriteChunk stores fragment index of a chunks-long session. Fragments may
// arrive in any order and concurrently; a fragment becomes visible only once
// it is completely written.
func (m *Manager) WriteChunk(ctx context.Context, session string, chunks, index int, r io.Reader) (int64, error) {
	dir, err := m.sessionDir(session)
	if err != nil {
		return 0, err
	}
	if chunks <= 0 || index < 0 || index >= chunks {
		return 0, apperr.Errorf(apperr.Validation, "invalid chunk %d of %d", index, chunks)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.RecordChunkWrite(false)
		return 0, apperr.Wrap(apperr.Transient, "create session dir", err)
	}

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		metrics.RecordChunkWrite(false)
		return 0, apperr.Wrap(apperr.Transient, "create fragment", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), filepath.Join(dir, fragmentName(chunks, index)))
	}
	if err != nil {
		os.Remove(tmp.Name())
		metrics.RecordChunkWrite(false)
		return 0, apperr.Wrap(apperr.Transient, "write fragment", err)
	}

	metrics.RecordChunkWrite(true)
	metrics.RecordUpload("chunk", n)
	logging.WithContext(ctx).Debug("chunk stored",
		zap.String("session", session),
		zap.Int("chunk", index),
		zap.Int("chunks", chunks),
		zap.Int64("size", n))
	return n, nil
}

// fragments lists complete fragment names of a session, sorted.
func (m *Manager) fragments(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if _, _, ok := parseFragment(n); ok {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Status reports the fragments received for session.
func (m *Manager) Status(session string) (*Session, error) {
	dir, err := m.sessionDir(session)
	if err != nil {
		return nil, err
	}
	names, err := m.fragments(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.E(apperr.NotFound, "upload session not found")
		}
		return nil, apperr.Wrap(apperr.Transient, "read session", err)
	}
	s := &Session{ID: session, Received: []int{}}
	if len(names) > 0 {
		s.Chunks, _, _ = parseFragment(names[0])
	}
	for _, n := range names {
		c, i, _ := parseFragment(n)
		if c == s.Chunks {
			s.Received = append(s.Received, i)
		}
	}
	slices.Sort(s.Received)
	return s, nil
}

// Merge reassembles session into destDir/name and returns the new file's
// path relative to the disk root. Concurrent merges of one session share a
// single execution. A missing fragment or digest mismatch fails the merge
// and keeps the session for a retry; the destination is replaced only after
// verification. expectedMD5 "" or "undefined" skips verification.
func (m *Manager) Merge(ctx context.Context, session, destDir, name, expectedMD5 string) (string, error) {
	v, err, _ := m.merges.Do(session, func() (any, error) {
		return m.merge(ctx, session, destDir, name, expectedMD5)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) merge(ctx context.Context, session, destDir, name, expectedMD5 string) (string, error) {
	dir, err := m.sessionDir(session)
	if err != nil {
		return "", err
	}
	// name may carry sub-folders of a folder upload; they are kept.
	if disk.HasTraversal(name) {
		return "", apperr.E(apperr.Validation, "invalid file name")
	}
	name = disk.Clean(name)
	if name == "" {
		return "", apperr.E(apperr.Validation, "file name is required")
	}
	rel := disk.Join(destDir, name)
	dst, err := m.root.Abs(rel)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		return "", apperr.E(apperr.Validation, "target is directory")
	}

	names, err := m.fragments(dir)
	if err != nil || len(names) == 0 {
		metrics.RecordMerge("missing")
		return "", apperr.E(apperr.NotFound, "upload session not found")
	}
	chunks, _, _ := parseFragment(names[0])
	for i := 0; i < chunks; i++ {
		if _, err := os.Stat(filepath.Join(dir, fragmentName(chunks, i))); err != nil {
			metrics.RecordMerge("missing")
			return "", apperr.MissingFragment(i)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		metrics.RecordMerge("error")
		return "", apperr.Wrap(apperr.Transient, "create destination", err)
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".merge-*")
	if err != nil {
		metrics.RecordMerge("error")
		return "", apperr.Wrap(apperr.Transient, "create destination", err)
	}
	tmpName := out.Name()
	fail := func(msg, result string, err error) (string, error) {
		out.Close()
		os.Remove(tmpName)
		metrics.RecordMerge(result)
		return "", apperr.Wrap(apperr.Transient, msg, err)
	}

	hash := md5.New()
	w := io.MultiWriter(out, hash)
	var size int64
	for i := 0; i < chunks; i++ {
		n, err := appendFragment(w, filepath.Join(dir, fragmentName(chunks, i)))
		if err != nil {
			if os.IsNotExist(err) {
				out.Close()
				os.Remove(tmpName)
				metrics.RecordMerge("missing")
				return "", apperr.MissingFragment(i)
			}
			return fail("assemble fragments", "error", err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		return fail("close destination", "error", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if expectedMD5 != "" && expectedMD5 != "undefined" && !strings.EqualFold(expectedMD5, sum) {
		os.Remove(tmpName)
		metrics.RecordMerge("digest")
		return "", apperr.E(apperr.Integrity, "md5 verification failed")
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		metrics.RecordMerge("error")
		return "", apperr.Wrap(apperr.Transient, "publish merged file", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		logging.WithContext(ctx).Warn("remove upload session", zap.String("session", session), zap.Error(err))
	}

	metrics.RecordMerge("success")
	logging.WithContext(ctx).Info("chunked upload merged",
		zap.String("session", session),
		zap.String("path", rel),
		zap.Int("chunks", chunks),
		zap.Int64("size", size),
		zap.String("md5", sum))
	return rel, nil
}

func appendFragment(w io.Writer, name string) (int64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// StartCleanup removes abandoned sessions in the background.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.Cleanup(now)
			}
		}
	}()
}

// Cleanup removes session directories untouched for longer than the
// session expiry and returns how many were removed.
func (m *Manager) Cleanup(now time.Time) int {
	entries, err := os.ReadDir(m.tmpDir)
	if err != nil {
		logging.Warn("read upload tmp dir", zap.Error(err))
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < m.expiry {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.tmpDir, e.Name())); err != nil {
			logging.Warn("remove expired upload session", zap.String("session", e.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.RecordSessionsCleaned(removed)
		logging.Info("expired upload sessions removed", zap.Int("count", removed))
	}
	return removed
}

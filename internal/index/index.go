// Package index keeps an in-memory listing of every directory under the disk
// root. A listing is reused while the directory's mtime and invalidation
// generation are unchanged, and rebuilt from a fresh scan otherwise.
package index

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xaixapi/filelist/internal/disk"
	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Entry is one child of a listed directory.
type Entry struct {
	Path    string `json:"path"`
	ModTime int64  `json:"mtime"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	Num     int64  `json:"num"`
}

// Name returns the entry's base name.
func (e Entry) Name() string { return path.Base(e.Path) }

// Counter supplies access counters for listed paths. Missing counters are 0.
type Counter interface {
	Counts(ctx context.Context, paths []string) ([]int64, error)
}

type snapshot struct {
	mtime   time.Time
	gen     uint64
	entries []Entry
}

// Cache maps directory paths (relative to the root) to listings.
type Cache struct {
	root    *disk.Root
	counter Counter

	dirs  sync.Map // rel -> *snapshot
	gens  sync.Map // rel -> *atomic.Uint64
	group singleflight.Group
}

// New returns an empty cache over root. A nil counter disables access
// accounting.
func New(root *disk.Root, counter Counter) *Cache {
	return &Cache{root: root, counter: counter}
}

func (c *Cache) generation(rel string) *atomic.Uint64 {
	if g, ok := c.gens.Load(rel); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := c.gens.LoadOrStore(rel, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// List returns the children of rel in case-insensitive path order. A
// missing directory yields an empty listing. The returned slice belongs to
// the caller.
func (c *Cache) List(ctx context.Context, rel string) ([]Entry, error) {
	rel = disk.Clean(rel)
	abs, err := c.root.Abs(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return []Entry{}, nil
	}

	gen := c.generation(rel).Load()
	if v, ok := c.dirs.Load(rel); ok {
		snap := v.(*snapshot)
		if snap.gen == gen && snap.mtime.Equal(info.ModTime()) {
			metrics.RecordCacheLookup(true)
			return slices.Clone(snap.entries), nil
		}
	}
	metrics.RecordCacheLookup(false)

	// Callers that observed the same generation share one scan.
	key := rel + "\x00" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.rescan(ctx, rel, abs, gen)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]Entry)), nil
}

func (c *Cache) rescan(ctx context.Context, rel, abs string, gen uint64) ([]Entry, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return []Entry{}, nil
	}
	entries, err := c.scan(ctx, rel, abs)
	if err != nil {
		return nil, err
	}
	// An invalidation that raced the scan wins: the result is returned to
	// this caller but not published.
	if c.generation(rel).Load() == gen {
		c.dirs.Store(rel, &snapshot{mtime: info.ModTime(), gen: gen, entries: entries})
	}
	return entries, nil
}

func (c *Cache) scan(ctx context.Context, rel, abs string) ([]Entry, error) {
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		// Children that vanish or cannot be read are skipped.
		info, err := os.Stat(filepath.Join(abs, name))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Path:    disk.Join(rel, name),
			ModTime: info.ModTime().Unix(),
			Size:    info.Size(),
			IsDir:   info.IsDir(),
		})
	}

	if c.counter != nil && len(entries) > 0 {
		paths := make([]string, len(entries))
		for i, e := range entries {
			paths[i] = e.Path
		}
		counts, err := c.counter.Counts(ctx, paths)
		if err != nil {
			logging.WithContext(ctx).Warn("read access counters", zap.String("dir", rel), zap.Error(err))
		} else {
			for i := range entries {
				entries[i].Num = counts[i]
			}
		}
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return strings.Compare(strings.ToLower(a.Path), strings.ToLower(b.Path))
	})
	return entries, nil
}

// Invalidate evicts rel and bumps its generation so that a scan already in
// flight cannot republish a stale listing.
func (c *Cache) Invalidate(rel string) {
	rel = disk.Clean(rel)
	c.generation(rel).Add(1)
	c.dirs.Delete(rel)
}

// InvalidateWithParent evicts rel and its parent directory.
func (c *Cache) InvalidateWithParent(rel string) {
	rel = disk.Clean(rel)
	c.Invalidate(rel)
	if rel != "" {
		c.Invalidate(disk.Parent(rel))
	}
}

// InvalidateTree evicts rel, every cached directory beneath it, and rel's
// parent. Used after a directory is removed or moved.
func (c *Cache) InvalidateTree(rel string) {
	rel = disk.Clean(rel)
	c.dirs.Range(func(k, _ any) bool {
		if key := k.(string); key != rel && disk.HasPathPrefix(key, rel) {
			c.Invalidate(key)
		}
		return true
	})
	c.InvalidateWithParent(rel)
}

// Len returns the number of cached directories.
func (c *Cache) Len() int {
	n := 0
	c.dirs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Search returns every cached entry whose base name contains q
// (case-insensitive), restricted to paths under prefix when prefix is set.
// Results are in case-insensitive path order.
func (c *Cache) Search(prefix, q string) []Entry {
	q = strings.ToLower(q)
	prefix = disk.Clean(prefix)
	var out []Entry
	c.dirs.Range(func(_, v any) bool {
		for _, e := range v.(*snapshot).entries {
			if !strings.Contains(strings.ToLower(e.Name()), q) {
				continue
			}
			if prefix != "" && !disk.HasPathPrefix(e.Path, prefix) {
				continue
			}
			out = append(out, e)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(strings.ToLower(a.Path), strings.ToLower(b.Path))
	})
	return out
}

// Node is one element of a directory tree.
type Node struct {
	Title    string `json:"title"`
	Href     string `json:"href"`
	Children []Node `json:"children,omitempty"`
}

// Tree builds a nested view of rel from cached listings only. Directories
// that have not been listed yet appear without children.
func (c *Cache) Tree(rel string) []Node {
	return c.tree(disk.Clean(rel), 0)
}

func (c *Cache) tree(rel string, depth int) []Node {
	v, ok := c.dirs.Load(rel)
	if !ok || depth > 64 {
		return []Node{}
	}
	entries := v.(*snapshot).entries
	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		n := Node{Title: e.Name(), Href: "/disk/" + e.Path}
		if e.IsDir {
			n.Children = c.tree(e.Path, depth+1)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

package index

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Clock abstracts timers so the sweep schedule can be driven by tests.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the sweeper uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) NewTicker(d time.Duration) Ticker       { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// SweeperConfig schedules background rescans.
type SweeperConfig struct {
	StartupDelay time.Duration
	Interval     time.Duration
	Workers      int
	Clock        Clock // nil uses the wall clock
}

// Sweeper periodically rescans every directory under the root so cold
// caches warm without waiting for a request.
type Sweeper struct {
	cache *Cache
	cfg   SweeperConfig
}

// NewSweeper returns a sweeper for cache.
func NewSweeper(cache *Cache, cfg SweeperConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{cache: cache, cfg: cfg}
}

// Start runs one sweep after the startup delay and then one per interval
// until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(s.cfg.StartupDelay):
		}
		s.run(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				s.run(ctx)
			}
		}
	}()
}

func (s *Sweeper) run(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		logging.Warn("index sweep failed", zap.Error(err))
	}
}

// Sweep lists the root and every non-hidden directory beneath it. Per
// directory failures are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	dirs, err := s.directories()
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(min(s.cfg.Workers, len(dirs)))
	for _, rel := range dirs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := s.cache.List(ctx, rel); err != nil {
				logging.Warn("index directory", zap.String("dir", rel), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()

	metrics.RecordSweep(time.Since(start))
	metrics.SetCachedDirectories(s.cache.Len())
	logging.Debug("index sweep finished",
		zap.Int("dirs", len(dirs)),
		zap.Duration("duration", time.Since(start)),
	)
	return ctx.Err()
}

func (s *Sweeper) directories() ([]string, error) {
	rootAbs := s.cache.root.Path()
	dirs := []string{""}
	err := filepath.WalkDir(rootAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == rootAbs {
				return err
			}
			return nil
		}
		if !d.IsDir() || p == rootAbs {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel, err := s.cache.root.Rel(p)
		if err == nil {
			dirs = append(dirs, rel)
		}
		return nil
	})
	return dirs, err
}

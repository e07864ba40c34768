package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct{ c chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               {}

type fakeClock struct {
	after  chan time.Time
	ticker *fakeTicker
	delays chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		after:  make(chan time.Time),
		ticker: &fakeTicker{c: make(chan time.Time)},
		delays: make(chan time.Duration, 2),
	}
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.delays <- d
	return f.after
}

func (f *fakeClock) NewTicker(d time.Duration) Ticker {
	f.delays <- d
	return f.ticker
}

func TestSweepWarmsEveryDirectory(t *testing.T) {
	c, dir := newCache(t, nil)
	touch(t, dir, "7/a/b/c.txt", 1)
	touch(t, dir, "9/x", 1)
	touch(t, dir, ".git/HEAD", 1)

	s := NewSweeper(c, SweeperConfig{Workers: 2})
	require.NoError(t, s.Sweep(context.Background()))

	// root, 7, 7/a, 7/a/b, 9
	assert.Equal(t, 5, c.Len())
}

func TestSweeperSchedule(t *testing.T) {
	c, dir := newCache(t, nil)
	touch(t, dir, "7/a", 1)
	clock := newFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewSweeper(c, SweeperConfig{
		StartupDelay: 30 * time.Second,
		Interval:     time.Hour,
		Clock:        clock,
	}).Start(ctx)

	assert.Equal(t, 30*time.Second, <-clock.delays)
	assert.Equal(t, 0, c.Len(), "nothing scanned before the startup delay")

	clock.after <- time.Now()
	assert.Equal(t, time.Hour, <-clock.delays)
	assert.Equal(t, 2, c.Len())

	c.Invalidate("7")
	clock.ticker.c <- time.Now()
	assert.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 10*time.Millisecond)
}

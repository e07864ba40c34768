// Package workers runs slow synchronous work (archive builds, merges,
// searches) off the request goroutines on a bounded pool.
package workers

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xaixapi/filelist/internal/logging"
	"github.com/xaixapi/filelist/internal/metrics"
)

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup
}

// New returns a pool running at most size tasks at once.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

type result[T any] struct {
	val T
	err error
}

// Run executes fn on the pool and waits for its result. Waiting for a slot
// honours ctx; once started, fn runs to completion under a context that is
// not cancelled with ctx, so a client disconnect never leaves a half-built
// artifact behind. If ctx ends first, Run returns ctx.Err() and the task
// keeps running.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	taskCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	metrics.WorkerStarted()
	go func() {
		defer p.wg.Done()
		defer metrics.WorkerDone()
		defer p.sem.Release(1)
		defer func() {
			if v := recover(); v != nil {
				logging.WithContext(taskCtx).Error("worker task panic", zap.Any("panic", v))
				done <- result[T]{err: fmt.Errorf("worker task panic: %v", v)}
			}
		}()
		v, err := fn(taskCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Wait blocks until every started task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

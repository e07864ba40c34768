package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResult(t *testing.T) {
	p := New(2)
	v, err := Run(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("Run = %d, %v; want 42", v, err)
	}

	_, err = Run(context.Background(), p, func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, peak int32
	release := make(chan struct{})

	errc := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := Run(context.Background(), p, func(ctx context.Context) (struct{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&running, -1)
				return struct{}{}, nil
			})
			errc <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if n := atomic.LoadInt32(&peak); n > 2 {
		t.Errorf("peak concurrency %d, want <= 2", n)
	}
}

func TestTaskSurvivesCallerCancel(t *testing.T) {
	p := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finish := make(chan struct{})
	var completed atomic.Bool
	var taskErr atomic.Value

	errc := make(chan error, 1)
	go func() {
		_, err := Run(ctx, p, func(tctx context.Context) (int, error) {
			close(started)
			<-finish
			if tctx.Err() != nil {
				taskErr.Store(tctx.Err())
			}
			completed.Store(true)
			return 1, nil
		})
		errc <- err
	}()

	<-started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("caller err = %v, want context.Canceled", err)
	}

	close(finish)
	p.Wait()
	if !completed.Load() {
		t.Error("task did not complete")
	}
	if err := taskErr.Load(); err != nil {
		t.Errorf("task context cancelled: %v", err)
	}
}

func TestRecoversPanic(t *testing.T) {
	p := New(1)
	_, err := Run(context.Background(), p, func(ctx context.Context) (int, error) {
		panic("bad")
	})
	if err == nil {
		t.Fatal("panic should surface as an error")
	}

	v, err := Run(context.Background(), p, func(ctx context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Run after panic = %d, %v; the slot should be released", v, err)
	}
}

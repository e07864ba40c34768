package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xaixapi/filelist/internal/apperr"
)

func fast() Config {
	return Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("busy"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("bad request")
	err := Do(context.Background(), fast(), func() error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Errorf("err = %v, want %v", err, perm)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast(), func() error {
		calls++
		return apperr.E(apperr.Transient, "down")
	})
	if !apperr.Is(err, apperr.Transient) {
		t.Errorf("err = %v, want a transient error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithResultContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DoWithResult(ctx, Config{InitialWait: time.Hour}, func() (int, error) {
		return 0, Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestBackoff(t *testing.T) {
	c := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := c.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should be nil")
	}
	if !IsRetryable(Retryable(errors.New("x"))) {
		t.Error("marked error should be retryable")
	}
	if IsRetryable(apperr.E(apperr.Validation, "x")) {
		t.Error("validation errors are not retryable")
	}
}

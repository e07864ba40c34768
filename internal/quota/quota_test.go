package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/metadata"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 10)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("a") {
		t.Error("11th request should be denied")
	}
	if !rl.Allow("b") {
		t.Error("other keys have their own bucket")
	}
	if got := rl.RetryAfter("a"); got != 1 {
		t.Errorf("RetryAfter = %d, want 1", got)
	}

	now = now.Add(1100 * time.Millisecond)
	if !rl.Allow("a") {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
	if rl.Len() != 0 {
		t.Errorf("disabled limiter tracks %d keys", rl.Len())
	}
}

func TestPrune(t *testing.T) {
	rl := NewRateLimiter(5, 0)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	now = now.Add(time.Hour)
	rl.Allow("b")
	if n := rl.Prune(time.Minute); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if rl.Len() != 1 {
		t.Errorf("Len = %d, want 1", rl.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(ctx context.Context, addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/disk", nil).WithContext(ctx)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	ctx := context.Background()
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.1:1001"} {
		if w := send(ctx, addr); w.Code != http.StatusOK {
			t.Fatalf("%s: status %d, want 200", addr, w.Code)
		}
	}
	w := send(ctx, "10.0.0.1:1002")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want >= 1", w.Header().Get("Retry-After"))
	}

	// Signed-in users are keyed by id, not by address.
	userCtx := auth.WithRequester(ctx, &auth.Requester{User: &metadata.User{ID: 7}})
	if w := send(userCtx, "10.0.0.1:1003"); w.Code != http.StatusOK {
		t.Errorf("user request: status %d, want 200", w.Code)
	}
}

package quota

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/xaixapi/filelist/internal/auth"
	"github.com/xaixapi/filelist/internal/metrics"
)

// RequesterKey identifies the requester of r: the user id when signed in,
// "apikey" for API key requests and the client address otherwise.
func RequesterKey(r *http.Request) string {
	req := auth.FromContext(r.Context())
	switch {
	case req.User != nil:
		return "user:" + strconv.Itoa(req.User.ID)
	case req.APIKey:
		return "apikey"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// RateLimitMiddleware rejects requests over the requester's rate with 429.
// It must run after auth.Middleware.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := RequesterKey(r)
			if !limiter.Allow(key) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(key)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"err": 1,
					"msg": "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

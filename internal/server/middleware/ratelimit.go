package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/keygate/keygate/internal/model"
)

// RateLimit returns an HTTP middleware that limits requests per client IP
// to the specified number per minute. Used on the admin API, which sits
// outside the gateway's class limits.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			reset, _ := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
			retry := max(reset-time.Now().Unix(), 1)
			writeError(w, http.StatusTooManyRequests, model.CodeRateLimitExceeded,
				"Rate limit exceeded. Try again later.",
				map[string]any{"reset_at": reset, "retry_after": retry})
		}),
	)
}

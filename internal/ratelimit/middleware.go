package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/httprate"

	"github.com/keygate/keygate/internal/model"
)

// Credential returns the API key presented in header, or as an
// "Authorization: Bearer" token. It returns "" when none is present.
func Credential(r *http.Request, header string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
	}
	return ""
}

// ClientIP returns the real client IP as seen by httprate.
func ClientIP(r *http.Request) string {
	ip, err := httprate.KeyByRealIP(r)
	if err != nil {
		return ""
	}
	return ip
}

// Middleware limits requests of class on routes outside the gateway, per
// client IP. Headers the route ignores never pick the bucket. A nil Limiter
// passes every request through. It panics when class has no rule.
func (l *Limiter) Middleware(class string) func(http.Handler) http.Handler {
	if l != nil {
		l.MustHaveClass(class)
	}
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if l.Whitelisted(ip, "") {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Allow(r.Context(), class, IPIdentity(ip))
			if err != nil {
				l.logger.Error("rate limit misconfigured", "class", class, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			d.WriteHeaders(w)
			if !d.Allowed {
				WriteExceeded(w, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteHeaders sets the X-RateLimit-* headers, plus Retry-After when the
// request was rejected.
func (d Decision) WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WriteExceeded writes the 429 RATE_LIMIT_EXCEEDED error body.
func WriteExceeded(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    model.CodeRateLimitExceeded,
			Status:  http.StatusTooManyRequests,
			Message: "Rate limit exceeded. Try again later.",
			Context: map[string]any{
				"reset_at":    d.ResetAt.Unix(),
				"retry_after": d.RetryAfterSeconds(),
			},
		},
	})
}

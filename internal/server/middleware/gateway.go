package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/service"
)

// StatusClientClosedRequest is logged when the client went away before the
// handler wrote a response.
const StatusClientClosedRequest = 499

const bodyCaptureLimit = 64 << 10

// Authenticator verifies presented API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, presented string) (model.AuthResult, error)
	TouchLastUsed(id int64)
}

// UsageRecorder stores the outcome of a gateway request. It must not fail
// the request.
type UsageRecorder interface {
	Record(ctx context.Context, entry *model.UsageLogEntry)
}

// Gateway guards API routes with key authentication, rate limiting,
// permission checks and usage logging.
type Gateway struct {
	auth      Authenticator
	usage     UsageRecorder
	limiter   *ratelimit.Limiter
	keyHeader string
	logger    *slog.Logger
}

// NewGateway creates a Gateway. A nil limiter disables rate limiting.
func NewGateway(auth Authenticator, usage UsageRecorder, limiter *ratelimit.Limiter, keyHeader string, logger *slog.Logger) *Gateway {
	if keyHeader == "" {
		keyHeader = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:      auth,
		usage:     usage,
		limiter:   limiter,
		keyHeader: keyHeader,
		logger:    logger,
	}
}

// KeyHeader returns the header API keys are read from.
func (g *Gateway) KeyHeader() string {
	return g.keyHeader
}

// outcome collects what the usage log needs to know about a request.
type outcome struct {
	keyID   *int64
	code    string
	message string
}

// Require returns middleware that admits a request only when it carries a
// valid key holding every permission in perms, within the limits of class
// and of the key's tier. Failed authentications are also counted per client
// IP under the basic tier rule, and an IP past that limit is rejected before
// its key is verified. Every request is recorded, admitted or not.
//
// Require panics when class has no rate limit rule.
func (g *Gateway) Require(class string, perms ...model.Permission) func(http.Handler) http.Handler {
	if g.limiter != nil {
		g.limiter.MustHaveClass(class)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			ip := ratelimit.ClientIP(r)

			var capture *bodyCapture
			if r.Body != nil && r.Body != http.NoBody {
				capture = &bodyCapture{ReadCloser: r.Body}
				r.Body = capture
			}

			var out outcome
			defer func() {
				rec := recover()
				g.record(r, ww, capture, ip, start, out, rec)
				if rec != nil {
					panic(rec)
				}
			}()

			reject := func(status int, code, message string, details map[string]any) {
				out.code, out.message = code, message
				writeError(ww, status, code, message, details)
			}

			key := ratelimit.Credential(r, g.keyHeader)
			if key == "" {
				reject(http.StatusUnauthorized, model.CodeMissingAPIKey,
					fmt.Sprintf("API key required. Provide it in the %s header or as a Bearer token.", g.keyHeader), nil)
				return
			}

			identity := ratelimit.KeyIdentity(key)
			limited := g.limiter != nil && !g.limiter.Whitelisted(ip, key)

			var decision ratelimit.Decision
			if limited {
				if d := g.limiter.CheckUnauthenticated(r.Context(), ip); !d.Allowed {
					d.WriteHeaders(ww)
					g.rejectLimited(ww, d, &out)
					return
				}
				d, err := g.limiter.Allow(r.Context(), class, identity)
				if err != nil {
					g.logger.Error("rate limit class not configured", "class", class, "error", err)
				} else {
					decision = d
					d.WriteHeaders(ww)
					if !d.Allowed {
						g.rejectLimited(ww, d, &out)
						return
					}
				}
			}

			res, err := g.authenticate(r.Context(), key)
			if err != nil {
				g.logger.Error("api key authentication failed", "error", err, "request_id", GetRequestID(r.Context()))
				reject(http.StatusInternalServerError, model.CodeAuthError, "Authentication failed due to an internal error.", nil)
				return
			}
			if !res.Valid {
				if limited {
					g.limiter.ChargeUnauthenticated(r.Context(), ip)
				}
				if res.Reason == model.AuthExpired {
					if res.Key != nil {
						out.keyID = &res.Key.ID
					}
					reject(http.StatusUnauthorized, model.CodeInvalidAPIKey, "API key has expired.",
						map[string]any{"reason": string(model.AuthExpired)})
					return
				}
				reject(http.StatusUnauthorized, model.CodeInvalidAPIKey, "Invalid API key.",
					map[string]any{"reason": string(model.AuthInvalid)})
				return
			}

			apiKey := res.Key
			out.keyID = &apiKey.ID

			if limited {
				d := g.limiter.AllowTier(r.Context(), apiKey.Tier, identity)
				if !d.Allowed || decision.Limit == 0 || d.Remaining < decision.Remaining {
					d.WriteHeaders(ww)
				}
				if !d.Allowed {
					g.rejectLimited(ww, d, &out)
					return
				}
			}

			if !model.Authorize(apiKey.Permission, perms...) {
				required := make([]string, len(perms))
				for i, p := range perms {
					required[i] = p.String()
				}
				reject(http.StatusForbidden, model.CodeInsufficientPermissions,
					"API key does not have the required permissions.",
					map[string]any{"required": required, "granted": apiKey.Permission.String()})
				return
			}

			g.auth.TouchLastUsed(apiKey.ID)

			principal := &Principal{
				Type:       PrincipalAPIKey,
				KeyID:      apiKey.ID,
				Name:       apiKey.Name,
				Permission: apiKey.Permission,
				Tier:       apiKey.Tier,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}

// authenticate converts a panic in the verifier into an error.
func (g *Gateway) authenticate(ctx context.Context, key string) (res model.AuthResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("authenticator panic: %v", rec)
		}
	}()
	return g.auth.Authenticate(ctx, key)
}

func (g *Gateway) rejectLimited(w http.ResponseWriter, d ratelimit.Decision, out *outcome) {
	out.code = model.CodeRateLimitExceeded
	out.message = "Rate limit exceeded."
	ratelimit.WriteExceeded(w, d)
}

func (g *Gateway) record(r *http.Request, ww *responseWriter, capture *bodyCapture, ip string, start time.Time, out outcome, rec any) {
	status := ww.status
	switch {
	case rec != nil:
		status = http.StatusInternalServerError
		out.message = fmt.Sprintf("panic: %v", rec)
		g.logger.Error("handler panicked", "path", r.URL.Path, "panic", rec, "request_id", GetRequestID(r.Context()))
	case !ww.wroteHeader:
		switch {
		case errors.Is(r.Context().Err(), context.Canceled):
			status = StatusClientClosedRequest
			out.message = "client closed request"
		case errors.Is(r.Context().Err(), context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
			out.message = "request deadline exceeded"
		}
	}
	if out.message == "" && status >= 400 {
		out.message = http.StatusText(status)
	}

	entry := &model.UsageLogEntry{
		APIKeyID:       out.keyID,
		RequestID:      GetRequestID(r.Context()),
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		Status:         status,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		ClientIP:       ip,
		UserAgent:      r.UserAgent(),
	}
	if capture != nil {
		entry.RequestBody = service.BodySnapshot(r.Method, r.Header.Get("Content-Type"), capture.buf.Bytes(), capture.truncated)
	}
	if out.code != "" {
		entry.ErrorCode = &out.code
	}
	if out.message != "" {
		entry.ErrorMessage = &out.message
	}

	g.usage.Record(r.Context(), entry)
}

// bodyCapture keeps a bounded copy of what the handler reads from the
// request body.
type bodyCapture struct {
	io.ReadCloser
	buf       bytes.Buffer
	truncated bool
}

func (b *bodyCapture) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		room := bodyCaptureLimit - b.buf.Len()
		if n > room {
			b.truncated = true
		}
		if room > 0 {
			b.buf.Write(p[:min(n, room)])
		}
	}
	return n, err
}

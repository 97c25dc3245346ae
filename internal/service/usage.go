package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keygate/keygate/internal/model"
)

// ErrInvalidRetention is returned when asked to keep less than one day.
var ErrInvalidRetention = errors.New("days to keep must be at least 1")

const (
	recordTimeout = 5 * time.Second

	// MaxBodySnapshot bounds the request body kept in a usage log entry.
	MaxBodySnapshot = 4 << 10

	redacted = "[REDACTED]"
)

var sensitiveFields = []string{"password", "secret", "token", "api_key", "apikey", "authorization", "credential"}

// UsageBackend persists usage log entries.
type UsageBackend interface {
	InsertUsageLog(ctx context.Context, entry *model.UsageLogEntry) error
	ListUsageLogs(ctx context.Context, filter model.UsageFilter) ([]model.UsageLogEntry, int64, error)
	UsageStatistics(ctx context.Context, filter model.UsageFilter) (*model.UsageStats, error)
	HourlyUsage(ctx context.Context, day time.Time, apiKeyID *int64) ([]model.HourlyBucket, error)
	PurgeUsageLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageLogger records the outcome of every gateway request and answers
// aggregate queries over the log.
type UsageLogger struct {
	backend UsageBackend
	logger  *slog.Logger
	now     func() time.Time
}

func NewUsageLogger(backend UsageBackend, logger *slog.Logger) *UsageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLogger{backend: backend, logger: logger, now: time.Now}
}

// Record writes entry on a context detached from the cancellation of ctx.
// Failures are logged, never returned.
func (u *UsageLogger) Record(ctx context.Context, entry *model.UsageLogEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := u.backend.InsertUsageLog(ctx, entry); err != nil {
		u.logger.Error("failed to record api usage",
			"endpoint", entry.Endpoint,
			"method", entry.Method,
			"status", entry.Status,
			"error", err,
		)
	}
}

// ListLogs returns one page of usage entries and the total match count.
func (u *UsageLogger) ListLogs(ctx context.Context, filter model.UsageFilter) ([]model.UsageLogEntry, int64, error) {
	return u.backend.ListUsageLogs(ctx, filter)
}

// Statistics aggregates the entries matching filter.
func (u *UsageLogger) Statistics(ctx context.Context, filter model.UsageFilter) (*model.UsageStats, error) {
	return u.backend.UsageStatistics(ctx, filter)
}

// HourlyStatistics returns 24 zero-filled UTC hour buckets for day.
func (u *UsageLogger) HourlyStatistics(ctx context.Context, day time.Time, apiKeyID *int64) ([]model.HourlyBucket, error) {
	return u.backend.HourlyUsage(ctx, day.UTC(), apiKeyID)
}

// Purge deletes entries older than daysToKeep days and returns the number
// removed.
func (u *UsageLogger) Purge(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, fmt.Errorf("%w, got %d", ErrInvalidRetention, daysToKeep)
	}
	cutoff := u.now().UTC().AddDate(0, 0, -daysToKeep)
	n, err := u.backend.PurgeUsageLogs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	u.logger.Info("purged usage logs", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// BodySnapshot returns what a usage entry keeps of a request body: nothing
// for read-only methods, otherwise at most MaxBodySnapshot bytes of the body
// with sensitive fields redacted. JSON and form-urlencoded bodies are
// redacted field by field. Anything that cannot be parsed, including a body
// the caller only captured in part, is replaced by an omission marker.
func BodySnapshot(method, contentType string, body []byte, truncated bool) *string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	if truncated {
		return omitted("too large", len(body))
	}

	var out string
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return omitted("unparsable form", len(body))
		}
		for k := range values {
			if isSensitive(k) {
				values[k] = []string{redacted}
			}
		}
		out = values.Encode()
	default:
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return omitted("not JSON", len(body))
		}
		b, err := json.Marshal(redact(doc))
		if err != nil {
			return omitted("not JSON", len(body))
		}
		out = string(b)
	}

	s := truncate(out, MaxBodySnapshot)
	return &s
}

func omitted(reason string, n int) *string {
	s := fmt.Sprintf("[body omitted: %s, %d bytes]", reason, n)
	return &s
}

func redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitive(k) {
				t[k] = redacted
				continue
			}
			t[k] = redact(val)
		}
	case []any:
		for i := range t {
			t[i] = redact(t[i])
		}
	}
	return v
}

func isSensitive(field string) bool {
	f := strings.ToLower(field)
	for _, s := range sensitiveFields {
		if strings.Contains(f, s) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

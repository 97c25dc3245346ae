package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

const testJWTSecret = "test-secret-for-handler-tests"

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store   *config.Store
	authSvc *service.AuthService
	usage   *service.UsageLogger
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store and a
// Chi router. Admin routes are mounted without auth middleware; key routes
// sit behind a gateway without rate limiting.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(store, testJWTSecret,
		service.WithBcryptCost(bcrypt.MinCost), service.WithLogger(logger))
	t.Cleanup(authSvc.Wait)
	usage := service.NewUsageLogger(store, logger)

	sys := NewSystemHandler(store, authSvc, usage, logger)
	api := NewAPIHandler(store, authSvc, usage, "test", logger)
	gw := middleware.NewGateway(authSvc, usage, nil, "", logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Get("/openapi.json", NewOpenAPIHandler(openapi.Options{Version: "test"}).ServeSpec)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/public/status", api.PublicStatus)
		r.Post("/auth/verify", api.VerifyKey)

		r.With(gw.Require(ratelimit.ClassAPIRead, model.PermRead)).Get("/me", api.Me)
		r.With(gw.Require(ratelimit.ClassAPIRead, model.PermRead)).Get("/me/usage", api.MyUsage)
		r.With(gw.Require(ratelimit.ClassSearch, model.PermRead)).Get("/me/usage/logs", api.MyUsageLogs)
		r.With(gw.Require(ratelimit.ClassExport, model.PermRead)).Get("/me/usage/export", api.ExportMyUsage)
		r.With(gw.Require(ratelimit.ClassAPIWrite, model.PermWrite)).Post("/echo", api.Echo)

		r.Route("/system", func(r chi.Router) {
			r.Get("/api-key", sys.ListAPIKeys)
			r.Post("/api-key", sys.CreateAPIKey)
			r.Get("/api-key/{keyId}", sys.GetAPIKey)
			r.Patch("/api-key/{keyId}", sys.UpdateAPIKey)
			r.Put("/api-key/{keyId}/status", sys.SetAPIKeyStatus)
			r.Get("/usage/stats", sys.UsageStats)
			r.Get("/usage/hourly", sys.UsageHourly)
			r.Get("/usage/logs", sys.UsageLogs)
			r.Delete("/usage/logs", sys.PurgeUsageLogs)
		})
	})

	return &testEnv{
		store:   store,
		authSvc: authSvc,
		usage:   usage,
		router:  r,
	}
}

// seedKey issues a key and returns its plaintext and record.
func (e *testEnv) seedKey(t *testing.T, name string, level model.PermissionLevel) (string, *model.APIKey) {
	t.Helper()
	raw, key, err := e.authSvc.IssueAPIKey(context.Background(), service.IssueRequest{
		Name:       name,
		Permission: level,
	})
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return raw, key
}

// seedUsage inserts a usage entry created at the given time.
func (e *testEnv) seedUsage(t *testing.T, keyID *int64, status int, at time.Time) {
	t.Helper()
	entry := &model.UsageLogEntry{
		APIKeyID:       keyID,
		RequestID:      "seed",
		Endpoint:       "/api/v1/seed",
		Method:         "GET",
		Status:         status,
		ResponseTimeMs: 10,
		ClientIP:       "192.0.2.10",
		CreatedAt:      at,
	}
	if err := e.store.InsertUsageLog(context.Background(), entry); err != nil {
		t.Fatalf("seedUsage: %v", err)
	}
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWithKey(t, method, path, "", body)
}

func (e *testEnv) doWithKey(t *testing.T, method, path, key string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v; body = %s", err, rr.Body.String())
	}
	if body.Error.Code != want {
		t.Errorf("error code = %q, want %q", body.Error.Code, want)
	}
	if body.Error.Status != rr.Code {
		t.Errorf("error status = %d, want %d", body.Error.Status, rr.Code)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

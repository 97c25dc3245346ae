package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/handler"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	KeyHeader       string
	AdminPerMinute  int
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     10 * 1024 * 1024, // 10MB
		KeyHeader:       "X-API-Key",
		AdminPerMinute:  120,
		Version:         "dev",
	}
}

// Addr returns the host:port the server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server is the top-level HTTP server for keygate. It owns the Chi router
// and the components requests flow through.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *config.Store
	authSvc    *service.AuthService
	usage      *service.UsageLogger
	limiter    *ratelimit.Limiter
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server and wires up all routes and middleware. A nil
// limiter disables rate limiting on gateway and public routes.
func New(cfg Config, store *config.Store, authSvc *service.AuthService, usage *service.UsageLogger, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = "X-API-Key"
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		authSvc: authSvc,
		usage:   usage,
		limiter: limiter,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.KeyHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Get("/openapi.json", handler.NewOpenAPIHandler(openapi.Options{
		Version:   s.cfg.Version,
		KeyHeader: s.cfg.KeyHeader,
	}).ServeSpec)

	gw := middleware.NewGateway(s.authSvc, s.usage, s.limiter, s.cfg.KeyHeader, s.logger)
	api := handler.NewAPIHandler(s.store, s.authSvc, s.usage, s.cfg.Version, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes are limited per client IP but not authenticated.
		r.With(s.limiter.Middleware(ratelimit.ClassAuth)).Post("/auth/verify", api.VerifyKey)
		r.With(s.limiter.Middleware(ratelimit.ClassPublic)).Get("/public/status", api.PublicStatus)

		// Gateway-protected routes.
		r.With(gw.Require(ratelimit.ClassAPIRead, model.PermRead)).Get("/me", api.Me)
		r.With(gw.Require(ratelimit.ClassAPIRead, model.PermRead)).Get("/me/usage", api.MyUsage)
		r.With(gw.Require(ratelimit.ClassSearch, model.PermRead)).Get("/me/usage/logs", api.MyUsageLogs)
		r.With(gw.Require(ratelimit.ClassExport, model.PermRead)).Get("/me/usage/export", api.ExportMyUsage)
		r.With(gw.Require(ratelimit.ClassAPIWrite, model.PermWrite)).Post("/echo", api.Echo)

		// System APIs (admin management)
		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.store, s.authSvc, s.usage, s.logger)

			if s.cfg.AdminPerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.AdminPerMinute))
			}
			r.Use(middleware.AdminAuth(s.authSvc))
			r.Use(middleware.RequireAdmin())

			// API key management
			r.Get("/api-key", sysHandler.ListAPIKeys)
			r.Post("/api-key", sysHandler.CreateAPIKey)
			r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
			r.Patch("/api-key/{keyId}", sysHandler.UpdateAPIKey)
			r.Put("/api-key/{keyId}/status", sysHandler.SetAPIKeyStatus)

			// Usage reporting
			r.Get("/usage/stats", sysHandler.UsageStats)
			r.Get("/usage/hourly", sysHandler.UsageHourly)
			r.Get("/usage/logs", sysHandler.UsageLogs)
			r.Delete("/usage/logs", sysHandler.PurgeUsageLogs)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the credential store
// and the rate-limit counter backend can serve requests, 503 otherwise. A
// counter backend running on its fallback is reported but stays ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = "error: " + err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	check("store", s.store.Ping)
	if s.limiter != nil {
		if state, err := s.limiter.Health(ctx); err != nil {
			checks["rate_limit"] = "error: " + err.Error()
			status = "degraded"
		} else {
			checks["rate_limit"] = state
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully,
// draining in-flight requests for up to ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.authSvc.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/retention"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/service"
)

const banner = `
 _  _________   _____   _ _____ ___
| |/ / __\ \ \ / / __| /_\_   _| __|
| ' <| _| \ V / (_ |/ _ \| | | _|
|_|\_\___| |_| \___/_/ \_\_| |___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keygate API server",
		Long:  "Start the HTTP server that authenticates, authorizes, rate limits and logs every API-key request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(parent context.Context, dev bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings()
	if err != nil {
		return err
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(os.Stderr, settings.Logging, dev)

	// 1. Credential store
	store, err := openStore(settings)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("credential store initialized", "driver", store.Driver())

	// 2. Key verifier and usage logger
	if settings.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set; the admin API will reject every token")
	}
	authSvc := newAuthService(store, settings, logger)
	usage := service.NewUsageLogger(store, logger)

	active, total, err := store.CountAPIKeys(ctx)
	if err != nil {
		logger.Warn("failed to count api keys", "error", err)
	} else if total == 0 {
		logger.Warn("no api keys found - run: keygate key create --name <name>")
	}

	// 3. Rate limiter
	limiter, mode, closeCounters, err := newLimiter(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeCounters()

	// 4. Retention job
	job, err := retention.New(usage, retention.Config{
		Enabled:  settings.Retention.Enabled,
		Days:     settings.Retention.Days,
		Interval: settings.Retention.Interval,
	}, logger)
	if err != nil {
		return err
	}
	if err := job.Start(); err != nil {
		return err
	}

	// 5. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = settings.Server.Host
	srvCfg.Port = settings.Server.Port
	srvCfg.ShutdownTimeout = settings.Server.ShutdownTimeout
	srvCfg.CORSOrigins = settings.Server.CORS.Origins
	srvCfg.KeyHeader = settings.Auth.APIKeyHeader
	srvCfg.AdminPerMinute = settings.RateLimit.AdminPerMinute
	srvCfg.Version = versionString()

	srv := server.New(srvCfg, store, authSvc, usage, limiter, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write pid file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	base := fmt.Sprintf("http://%s", srvCfg.Addr())
	fmt.Printf("→ Keygate %s\n", versionString())
	fmt.Printf("→ Listening on %s\n", base)
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	fmt.Printf("→ API keys:   %d active of %d\n", active, total)
	fmt.Printf("→ Rate limit: %s\n", mode)
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return job.Shutdown()
	})
	return g.Wait()
}

// newLimiter builds the rate limiter. It returns a nil Limiter when rate
// limiting is disabled. With Redis enabled, counters live in Redis and fall
// back to process memory while Redis is unreachable.
func newLimiter(ctx context.Context, settings *config.YAMLConfig, logger *slog.Logger) (*ratelimit.Limiter, string, func(), error) {
	noop := func() {}
	if !settings.RateLimit.Enabled {
		logger.Warn("rate limiting is disabled")
		return nil, "disabled", noop, nil
	}

	var counters ratelimit.CounterStore = ratelimit.NewMemoryStore(nil)
	mode := "in-memory"
	closer := noop
	if settings.Redis.Enabled {
		rs, err := ratelimit.NewRedisStore(ctx, settings.Redis.RedisConfig)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory rate limit counters", "error", err)
		} else {
			counters = ratelimit.NewFallbackStore(rs, counters, logger)
			closer = func() { rs.Close() }
			mode = "redis (" + settings.Redis.Addr + ")"
			logger.Info("rate limit counters in redis", "addr", settings.Redis.Addr)
		}
	}

	limiter, err := ratelimit.New(counters, settings.RateLimitOptions(), logger)
	if err != nil {
		closer()
		return nil, "", noop, fmt.Errorf("configure rate limiter: %w", err)
	}
	return limiter, mode, closer, nil
}

// Package retention schedules the periodic purge of old usage log entries.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const purgeTimeout = 5 * time.Minute

// Purger deletes usage entries older than daysToKeep days.
type Purger interface {
	Purge(ctx context.Context, daysToKeep int) (int64, error)
}

// Config controls the purge schedule.
type Config struct {
	Enabled  bool
	Days     int
	Interval time.Duration
}

// Job runs Purger on a fixed interval.
type Job struct {
	purger   Purger
	days     int
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
	ctx       context.Context
}

// New creates a Job. Returns nil if retention is disabled.
func New(purger Purger, cfg Config, logger *slog.Logger) (*Job, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Days < 1 {
		return nil, fmt.Errorf("retention days must be at least 1, got %d", cfg.Days)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("retention interval must be positive, got %s", cfg.Interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		purger:   purger,
		days:     cfg.Days,
		interval: cfg.Interval,
		logger:   logger,
	}, nil
}

// Start schedules the purge, running it once immediately. Non-blocking.
func (j *Job) Start() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create retention scheduler: %w", err)
	}
	j.ctx, j.cancel = context.WithCancel(context.Background())

	_, err = s.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(j.run),
		gocron.WithName("usage-log-retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		j.cancel()
		s.Shutdown()
		return fmt.Errorf("schedule retention job: %w", err)
	}

	s.Start()
	j.scheduler = s
	j.logger.Info("usage log retention scheduled", "days", j.days, "interval", j.interval.String())
	return nil
}

// RunOnce purges immediately and returns the number of deleted entries.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()
	return j.purger.Purge(ctx, j.days)
}

// Shutdown stops the scheduler and waits for a running purge to finish.
func (j *Job) Shutdown() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.scheduler == nil {
		return nil
	}
	j.cancel()
	err := j.scheduler.Shutdown()
	j.scheduler = nil
	return err
}

func (j *Job) run() {
	if _, err := j.RunOnce(j.ctx); err != nil {
		j.logger.Error("usage log retention failed", "error", err)
	}
}

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"usage"},
		Short:   "Inspect and purge the usage log",
	}

	cmd.AddCommand(newLogsStatsCmd())
	cmd.AddCommand(newLogsHourlyCmd())
	cmd.AddCommand(newLogsPurgeCmd())

	return cmd
}

// withUsage opens the store and runs fn with a usage logger over it.
func withUsage(fn func(ctx context.Context, settings *config.YAMLConfig, usage *service.UsageLogger) error) error {
	return withStore(func(ctx context.Context, settings *config.YAMLConfig, store *config.Store) error {
		return fn(ctx, settings, service.NewUsageLogger(store, quietLogger()))
	})
}

func keyIDFlag(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

// ---------- logs stats ----------

func newLogsStatsCmd() *cobra.Command {
	var (
		keyID      int64
		from, to   string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize requests, latency and error counts",
		Example: `  keygate logs stats --from 2026-01-01
  keygate logs stats --key 3 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.UsageFilter{APIKeyID: keyIDFlag(keyID)}
			var err error
			if filter.From, err = parseTimeFlag("from", from); err != nil {
				return err
			}
			if filter.To, err = parseTimeFlag("to", to); err != nil {
				return err
			}
			return withUsage(func(ctx context.Context, _ *config.YAMLConfig, usage *service.UsageLogger) error {
				stats, err := usage.Statistics(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&keyID, "key", 0, "Only requests made with this key ID")
	cmd.Flags().StringVar(&from, "from", "", "Start time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "End time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printStats(out io.Writer, s *model.UsageStats) {
	fmt.Fprintf(out, "Total requests:    %d\n", s.TotalRequests)
	fmt.Fprintf(out, "Avg response time: %.1f ms\n", s.AvgResponseTimeMs)
	fmt.Fprintf(out, "2xx/3xx:           %d\n", s.SuccessCount)
	fmt.Fprintf(out, "4xx:               %d\n", s.ClientErrorCount)
	fmt.Fprintf(out, "5xx:               %d\n", s.ServerErrorCount)
}

// ---------- logs hourly ----------

func newLogsHourlyCmd() *cobra.Command {
	var (
		keyID      int64
		date       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "hourly",
		Short: "Show request counts per UTC hour for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC()
			if date != "" {
				d, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("--date: %q is not a YYYY-MM-DD date", date)
				}
				day = d
			}
			return withUsage(func(ctx context.Context, _ *config.YAMLConfig, usage *service.UsageLogger) error {
				buckets, err := usage.HourlyStatistics(ctx, day, keyIDFlag(keyID))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), buckets)
				}
				printHourly(cmd.OutOrStdout(), day, buckets)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&keyID, "key", 0, "Only requests made with this key ID")
	cmd.Flags().StringVar(&date, "date", "", "Day to report (YYYY-MM-DD, default today UTC)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printHourly(out io.Writer, day time.Time, buckets []model.HourlyBucket) {
	var peak int64
	for _, b := range buckets {
		peak = max(peak, b.Requests)
	}
	fmt.Fprintf(out, "Requests on %s (UTC)\n\n", day.Format(time.DateOnly))
	for _, b := range buckets {
		bar := ""
		if peak > 0 {
			bar = strings.Repeat("#", int(b.Requests*40/peak))
		}
		fmt.Fprintf(out, "%02d:00 %8d %s\n", b.Hour, b.Requests, bar)
	}
}

// ---------- logs purge ----------

func newLogsPurgeCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete usage entries older than the retention period",
		Example: `  keygate logs purge            # keep retention.days (default 90)
  keygate logs purge --days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsage(func(ctx context.Context, settings *config.YAMLConfig, usage *service.UsageLogger) error {
				keep := days
				if !cmd.Flags().Changed("days") {
					keep = settings.Retention.Days
				}
				n, err := usage.Purge(ctx, keep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d usage entries older than %d days\n", n, keep)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Days of usage to keep (default retention.days)")

	return cmd
}

// billingctl is the command-line interface for billing core administrative
// operations.
//
// This tool provides operational commands for billingd including:
// - WAL replay (rebuild derived state from history)
// - DLQ inspection, replay, and escalation
// - Reconciliation status lookup (points at billingd's admin endpoint)
// - Billing entry audit lookup
//
// Usage:
//
//	billingctl wal replay
//	billingctl dlq list
//	billingctl dlq replay --limit 50
//	billingctl reconcile status --tenant-id acme
//	billingctl billing show --entry-id bill_123
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/consonant/billing-core/internal/billing"
	"github.com/consonant/billing-core/internal/dlq"
	"github.com/consonant/billing-core/internal/metrics"
	"github.com/consonant/billing-core/internal/wal"
)

var (
	// Version is set during build.
	Version   = "dev"
	BuildTime = "unknown"

	redisAddr string
	walDir    string
	verbose   bool
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:     "billingctl",
		Short:   "billingctl - administrative CLI for the billing core",
		Long:    "billingctl provides operational commands for the billing core's WAL, DLQ, and reconciliation subsystems.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	rootCmd.PersistentFlags().StringVar(&walDir, "wal-dir", getEnv("WAL_DIR", "./data/wal"), "WAL directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(walCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(billingEntryCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func walCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "WAL operations",
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the WAL and print the resulting entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Logger
			sm := billing.New(noopAppender{}, logger, nil, billing.DefaultReserveTTL)
			result, err := wal.Replay(walDir, sm.Reducer(), logger, nil)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			printJSON(map[string]interface{}{
				"processed":     result.EntriesProcessed,
				"skipped":       result.EntriesSkipped,
				"corrupted":     result.EntriesCorrupted,
				"last_sequence": result.LastSequence,
			})
			return nil
		},
	}

	cmd.AddCommand(replayCmd)
	return cmd
}

// noopAppender satisfies billing.Appender for a replay-only run: a CLI
// replay never originates new WAL records, it only rebuilds derived state
// to report on it (wal.Replay still writes the replay cursor file).
type noopAppender struct{}

func (noopAppender) Append(eventType wal.EventType, billingEntryID, correlationID string, payload interface{}) (uint64, error) {
	return 0, fmt.Errorf("billingctl: replay-only session, append not permitted")
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List poisoned finalize attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			p, err := newDLQProcessor(ctx)
			if err != nil {
				return err
			}

			entries, err := p.ListPoisoned(ctx)
			if err != nil {
				return fmt.Errorf("list poisoned entries: %w", err)
			}
			out := make([]map[string]interface{}, 0, len(entries))
			for _, e := range entries {
				out = append(out, map[string]interface{}{
					"billing_entry_id": e.BillingEntryID,
					"tenant_id":        e.TenantID,
					"actual_cost":      e.ActualCostMicro,
					"reason":           e.Reason,
					"attempt":          e.Attempt,
					"poisoned_at":      e.PoisonedAt,
				})
			}
			printJSON(out)
			return nil
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Bulk-replay poisoned finalize attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			p, err := newDLQProcessor(ctx)
			if err != nil {
				return err
			}

			succeeded, failed, err := p.BulkReplay(ctx, limit, concurrency)
			if err != nil {
				return fmt.Errorf("bulk replay: %w", err)
			}
			printJSON(map[string]interface{}{"succeeded": succeeded, "failed": failed})
			return nil
		},
	}
	replayCmd.Flags().Int("limit", 100, "Maximum entries to replay")
	replayCmd.Flags().Int("concurrency", 5, "Replay concurrency")

	escalateCmd := &cobra.Command{
		Use:   "escalate",
		Short: "Scan the poison stream and fire escalation callbacks for old entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			p, err := newDLQProcessor(ctx)
			if err != nil {
				return err
			}

			count, err := p.CheckEscalations(ctx)
			if err != nil {
				return fmt.Errorf("check escalations: %w", err)
			}
			printJSON(map[string]interface{}{"escalated": count})
			return nil
		},
	}

	cmd.AddCommand(listCmd, replayCmd, escalateCmd)
	return cmd
}

func newDLQProcessor(ctx context.Context) (*dlq.Processor, error) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	return dlq.New(ctx, dlq.Config{
		Redis: rdb,
		Finalize: func(ctx context.Context, entry *dlq.Entry) error {
			return nil
		},
		ConsumerName: "billingctl",
		Logger:       log.Logger,
		Metrics:      metrics.New(prometheus.NewRegistry()),
	})
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconciliation operations",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Point at billingd's reconciliation status endpoint for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, _ := cmd.Flags().GetString("tenant-id")
			fmt.Printf("billingctl does not hold a live reconcile.Client; query billingd's /admin/reconcile/status for tenant %q instead.\n", tenantID)
			return nil
		},
	}
	statusCmd.Flags().String("tenant-id", "", "Tenant ID (required)")
	statusCmd.MarkFlagRequired("tenant-id")

	cmd.AddCommand(statusCmd)
	return cmd
}

func billingEntryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing entry audit operations",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Replay the WAL and print one billing entry's current derived state",
		RunE: func(cmd *cobra.Command, args []string) error {
			entryID, _ := cmd.Flags().GetString("entry-id")

			logger := log.Logger
			sm := billing.New(noopAppender{}, logger, nil, billing.DefaultReserveTTL)
			if _, err := wal.Replay(walDir, sm.Reducer(), logger, nil); err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}

			entry := sm.Get(entryID)
			if entry == nil {
				return fmt.Errorf("no billing entry %q found in wal history", entryID)
			}
			printJSON(entry)
			return nil
		},
	}
	showCmd.Flags().String("entry-id", "", "Billing entry ID (required)")
	showCmd.MarkFlagRequired("entry-id")

	cmd.AddCommand(showCmd)
	return cmd
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		return
	}
	fmt.Println(string(b))
}

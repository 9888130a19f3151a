// Package main is the entry point for billingd, the billing core daemon.
//
// This server exposes no public wire protocol of its own: it is a
// library-shaped substrate meant to be embedded behind a gateway, and
// this binary is its standalone operating mode for local development and
// single-process deployments. It is designed for production operation
// with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints (readiness blocks on WAL replay)
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes, in order:
//  1. The WAL writer and replays history into the billing state machine
//     before accepting any traffic
//  2. The DLQ processor, finalize client, payment verifier, and
//     reconciliation client
//  3. The admission gate composing reconciliation + risk + legality
//  4. The pricing resolver and cache mirror
//  5. An HTTP server for health checks, metrics, and a small admin surface
//
// Configuration is via environment variables (12-factor app pattern),
// loaded through the internal/config Load()/getEnv pattern.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/admission"
	"github.com/consonant/billing-core/internal/billing"
	"github.com/consonant/billing-core/internal/cache"
	"github.com/consonant/billing-core/internal/config"
	"github.com/consonant/billing-core/internal/dlq"
	"github.com/consonant/billing-core/internal/finalize"
	"github.com/consonant/billing-core/internal/metrics"
	"github.com/consonant/billing-core/internal/payment"
	"github.com/consonant/billing-core/internal/pricing"
	"github.com/consonant/billing-core/internal/reconcile"
	"github.com/consonant/billing-core/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Str("wal_dir", cfg.WALDir).
		Msg("starting billingd")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	db, err := openPostgres(cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()

	ready := newReadinessGate()

	walWriter, err := wal.NewWriter(cfg.WALDir, cfg.WALSegmentMaxBytes, 0, logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open wal writer")
	}
	defer walWriter.Close()

	sm := billing.New(walWriter, logger, m, cfg.ReserveTTL)

	logger.Info().Msg("replaying wal into billing state machine")
	replayResult, err := wal.Replay(cfg.WALDir, sm.Reducer(), logger, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("wal replay failed")
	}
	logger.Info().
		Int("processed", replayResult.EntriesProcessed).
		Uint64("last_sequence", replayResult.LastSequence).
		Msg("wal replay complete, accepting traffic")

	dlqProcessor, err := dlq.New(context.Background(), dlq.Config{
		Redis:               redisClient,
		MaxPendingRiskMicro: cfg.MaxPendingRiskCU.Int64(),
		Finalize: func(ctx context.Context, entry *dlq.Entry) error {
			if _, err := sm.FinalizeAck(ctx, entry.BillingEntryID, entry.CorrelationID, "acked_via_dlq"); err != nil {
				return err
			}
			return nil
		},
		OnPoison: func(entry *dlq.Entry) {
			logger.Error().Str("billing_entry_id", entry.BillingEntryID).Msg("finalize attempt poisoned")
		},
		OnEscalation: func(entry *dlq.Entry) {
			logger.Error().Str("billing_entry_id", entry.BillingEntryID).Msg("poisoned entry escalated")
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize dlq processor")
	}
	go dlqProcessor.Run(context.Background(), 1*time.Second, 50)
	defer dlqProcessor.Stop()

	finalizeClient := finalize.New(finalize.Config{
		Endpoint:   cfg.FinalizeEndpoint,
		SigningKey: cfg.FinalizeSigningKey,
		DLQ:        dlqProcessor,
		Logger:     logger,
		Metrics:    m,
	})

	chainClient, err := ethclient.Dial(cfg.ChainRPCURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial chain rpc")
	}

	challengeStore := payment.NewStore(redisClient, cfg.ChallengeSecret, cfg.ChallengeSecretPrevious, cfg.ChallengeTTL, cfg.ReplayWindow)
	verifier := payment.NewVerifier(payment.VerifierConfig{
		Store:            challengeStore,
		Chain:            chainClient,
		TokenContract:    common.HexToAddress(cfg.TokenContractAddress),
		MinConfirmations: uint64(cfg.MinConfirmations),
		Logger:           logger,
		Metrics:          m,
	})

	authority := reconcile.NewHTTPAuthority(reconcile.HTTPAuthorityConfig{
		Endpoint:   cfg.ReconcileEndpoint,
		SigningKey: cfg.FinalizeSigningKey,
	})

	// reconcile.Client is explicitly single-tenant (its Config.TenantID
	// is required); a production deployment runs one instance per tenant.
	// This standalone daemon wires a single instance for the default
	// tenant as the reference embedding. A gateway embedding this
	// package keeps a map[tenantID]*reconcile.Client instead.
	reconciler := reconcile.New(reconcile.Config{
		TenantID:            "default",
		Authority:           authority,
		DriftThresholdMicro: cfg.DriftThresholdMicro.Int64(),
		PollInterval:        cfg.ReconciliationPollInterval,
		FailOpenPercent:     float64(cfg.FailOpenHeadroomPercent) / 100.0,
		FailOpenAbsoluteCap: cfg.FailOpenAbsoluteCapMicro,
		FailOpenMaxDuration: cfg.FailOpenMaxDuration,
		Observer: func(from, to reconcile.State, reason string) {
			logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("reconciliation state transition")
		},
		Logger:  logger,
		Metrics: m,
	})
	go reconciler.Start(context.Background())
	defer reconciler.Stop()

	gate := admission.New(reconciler, dlqProcessor)

	pricingResolver, err := pricing.New(db, pricing.DefaultCacheSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pricing resolver")
	}
	if n, err := pricingResolver.Preload(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("pricing cache preload failed, falling back to lazy resolution")
	} else {
		logger.Info().Int("count", n).Msg("pricing cache preloaded")
	}

	mirror := cache.New(redisClient, logger)
	mirror.Start(context.Background(), 30*time.Second, func() cache.Snapshot {
		return cache.Snapshot{PendingCount: sm.PendingCount()}
	})
	defer mirror.Stop()

	ready.markReady()

	comp := &components{
		stateMachine: sm,
		dlq:          dlqProcessor,
		finalize:     finalizeClient,
		verifier:     verifier,
		reconciler:   reconciler,
		gate:         gate,
		pricing:      pricingResolver,
		mirror:       mirror,
	}

	httpServer := newHTTPServer(cfg.HTTPPort, reg, comp, ready, logger)
	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

func openPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// readinessGate tracks whether startup (principally WAL replay) has
// finished. The HTTP server starts listening only after markReady, so
// /ready is not reachable while replay runs and does not report
// "starting" during it.
type readinessGate struct {
	ready bool
}

func newReadinessGate() *readinessGate { return &readinessGate{} }

func (r *readinessGate) markReady() { r.ready = true }

func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "billingd").
		Str("environment", environment).
		Logger()
}

// components bundles every wired dependency the admin HTTP surface
// reports on or drives. It exists so main doesn't thread eight
// individual pointers through newHTTPServer's argument list.
type components struct {
	stateMachine *billing.StateMachine
	dlq          *dlq.Processor
	finalize     *finalize.Client
	verifier     *payment.Verifier
	reconciler   *reconcile.Client
	gate         *admission.Gate
	pricing      *pricing.Resolver
	mirror       *cache.Mirror
}

func newHTTPServer(port string, reg *prometheus.Registry, comp *components, ready *readinessGate, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !ready.ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/admin/dlq/replay", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		concurrency := 5
		if v := r.URL.Query().Get("concurrency"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				concurrency = parsed
			}
		}

		succeeded, failed, err := comp.dlq.BulkReplay(r.Context(), limit, concurrency)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"succeeded": succeeded, "failed": failed})
	})

	mux.HandleFunc("/admin/reconcile/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"pending_count":        comp.stateMachine.PendingCount(),
			"reconciliation_state": comp.reconciler.State(),
			"admission_open":       comp.reconciler.ShouldAllowRequest(),
		})
	})

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Package dlq implements the finalize pipeline's dead-letter queue: a
// Redis Streams-backed retry-with-backoff mechanism with poison-message
// quarantine, escalation, bounded-concurrency bulk replay, and a
// capped-risk admission check.
//
// An in-process retry channel loses everything on crash; a Redis stream
// with a consumer group survives it, at the cost of needing explicit
// acknowledgement and an escalation path for entries that never succeed.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/decimalstr"
	"github.com/consonant/billing-core/internal/metrics"
)

// MaxRetries is the attempt index at which an entry is poisoned rather
// than retried again.
const MaxRetries = 5

// DefaultBackoff is the exponential backoff ladder indexed by attempt.
// Attempts beyond the table saturate at the last entry.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// EscalationWindow is how old a poisoned entry must be before it fires an
// escalation callback.
const EscalationWindow = 24 * time.Hour

const (
	streamKey       = "billing:dlq"
	poisonStreamKey = "billing:dlq:poison"
)

// FinalizeFunc performs one finalize attempt against the external billing
// authority. A nil error is success.
type FinalizeFunc func(ctx context.Context, entry *Entry) error

// PoisonFunc is invoked exactly once when an entry is moved to the poison
// stream.
type PoisonFunc func(entry *Entry)

// EscalationFunc is invoked exactly once per scan for each poisoned entry
// older than EscalationWindow.
type EscalationFunc func(entry *Entry)

// Entry is a single finalize attempt descriptor.
type Entry struct {
	BillingEntryID  string
	TenantID        string
	ActualCostMicro string
	CorrelationID   string
	Attempt         int
	Reason          string
	CreatedAt       time.Time
	NextRetryAt     time.Time
	PoisonedAt      time.Time

	streamMessageID string
}

func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(DefaultBackoff) {
		idx = len(DefaultBackoff) - 1
	}
	return DefaultBackoff[idx]
}

// Processor is a single service instance's DLQ worker: each client
// constructs and owns its own Processor rather than reaching for a shared
// package-level global. Queue state, including the pending cost that
// capped-risk checks sum, lives in the fixed DLQ and poison stream keys in
// Redis, so Processors pointed at the same Redis see the same entries.
type Processor struct {
	rdb          *redis.Client
	consumer     string
	group        string
	logger       zerolog.Logger
	metrics      *metrics.Registry
	finalize     FinalizeFunc
	onPoison     PoisonFunc
	onEscalation EscalationFunc

	maxPendingRiskMicro int64

	stopCh chan struct{}
}

// Config configures a Processor.
type Config struct {
	Redis               *redis.Client
	ConsumerGroup       string
	ConsumerName        string
	MaxPendingRiskMicro int64
	Finalize            FinalizeFunc
	OnPoison            PoisonFunc
	OnEscalation        EscalationFunc
	Logger              zerolog.Logger
	Metrics             *metrics.Registry
}

// New constructs a Processor and ensures its consumer group exists,
// creating the stream if necessary (MKSTREAM).
func New(ctx context.Context, cfg Config) (*Processor, error) {
	if cfg.Finalize == nil {
		return nil, errors.New("dlq: Finalize callback is required")
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "billing-dlq"
	}
	err := cfg.Redis.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("dlq: create consumer group: %w", err)
	}

	return &Processor{
		rdb:                 cfg.Redis,
		consumer:            cfg.ConsumerName,
		group:               group,
		logger:              cfg.Logger.With().Str("component", "dlq_processor").Logger(),
		metrics:             cfg.Metrics,
		finalize:            cfg.Finalize,
		onPoison:            cfg.OnPoison,
		onEscalation:        cfg.OnEscalation,
		maxPendingRiskMicro: cfg.MaxPendingRiskMicro,
		stopCh:              make(chan struct{}),
	}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue appends a new finalize attempt descriptor to the stream at
// attempt 1.
func (p *Processor) Enqueue(ctx context.Context, billingEntryID, tenantID, actualCostMicro, correlationID, reason string) error {
	now := time.Now().UTC()
	entry := &Entry{
		BillingEntryID:  billingEntryID,
		TenantID:        tenantID,
		ActualCostMicro: actualCostMicro,
		CorrelationID:   correlationID,
		Attempt:         1,
		Reason:          reason,
		CreatedAt:       now,
		NextRetryAt:     now.Add(backoffFor(1)),
	}
	_, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: entryToFields(entry),
	}).Result()
	if err != nil {
		return fmt.Errorf("dlq: enqueue: %w", err)
	}
	if p.metrics != nil {
		p.metrics.DLQDepth.Inc()
	}
	p.logger.Warn().
		Str("billing_entry_id", billingEntryID).
		Str("reason", reason).
		Msg("finalize attempt enqueued to dlq")
	return nil
}

// Run processes stream entries until ctx is canceled or Stop is called. It
// is meant to run as a single goroutine per instance, dispatching up to
// batchSize entries per tick.
func (p *Processor) Run(ctx context.Context, tickInterval time.Duration, batchSize int64) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.tick(ctx, batchSize); err != nil {
				p.logger.Error().Err(err).Msg("dlq tick failed")
			}
		}
	}
}

// Stop halts Run's loop after the current tick completes.
func (p *Processor) Stop() {
	close(p.stopCh)
}

func (p *Processor) tick(ctx context.Context, batchSize int64) error {
	// "0" re-reads this consumer's pending entries, including ones skipped
	// earlier as not yet due; ">" then reads newly added entries.
	for _, id := range []string{"0", ">"} {
		block := 100 * time.Millisecond
		if id == "0" {
			block = -1
		}
		streams, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.group,
			Consumer: p.consumer,
			Streams:  []string{streamKey, id},
			Count:    batchSize,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("dlq: xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				entry := entryFromFields(msg.ID, msg.Values)
				if time.Now().Before(entry.NextRetryAt) {
					continue
				}
				p.process(ctx, entry)
			}
		}
	}
	return nil
}

func (p *Processor) process(ctx context.Context, entry *Entry) {
	if entry.Attempt >= MaxRetries {
		p.poison(ctx, entry, fmt.Errorf("dlq: exhausted %d retries", entry.Attempt))
		return
	}

	err := p.finalize(ctx, entry)
	if err == nil {
		p.ack(ctx, entry)
		if p.metrics != nil {
			p.metrics.DLQDepth.Dec()
		}
		p.logger.Info().Str("billing_entry_id", entry.BillingEntryID).Msg("dlq entry finalized successfully")
		return
	}

	entry.Attempt++
	entry.Reason = err.Error()
	entry.NextRetryAt = time.Now().Add(backoffFor(entry.Attempt))
	if _, addErr := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: entryToFields(entry),
	}).Result(); addErr != nil {
		p.logger.Error().Err(addErr).Str("billing_entry_id", entry.BillingEntryID).Msg("failed to re-enqueue dlq entry")
		return
	}
	p.ack(ctx, entry)
	if p.metrics != nil {
		p.metrics.DLQRetries.WithLabelValues("retry").Inc()
	}
	p.logger.Warn().
		Str("billing_entry_id", entry.BillingEntryID).
		Int("attempt", entry.Attempt).
		Err(err).
		Msg("finalize attempt failed, re-enqueued with backoff")
}

func (p *Processor) poison(ctx context.Context, entry *Entry, cause error) {
	entry.PoisonedAt = time.Now().UTC()
	entry.Reason = cause.Error()
	if _, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: poisonStreamKey,
		Values: entryToFields(entry),
	}).Result(); err != nil {
		p.logger.Error().Err(err).Str("billing_entry_id", entry.BillingEntryID).Msg("failed to write poisoned entry")
		return
	}
	p.ack(ctx, entry)
	if p.metrics != nil {
		p.metrics.DLQDepth.Dec()
		p.metrics.DLQPoisoned.Inc()
		p.metrics.DLQPoisonSize.Inc()
	}
	p.logger.Error().
		Str("billing_entry_id", entry.BillingEntryID).
		Err(cause).
		Msg("finalize retries exhausted, entry poisoned")
	if p.onPoison != nil {
		p.onPoison(entry)
	}
}

func (p *Processor) ack(ctx context.Context, entry *Entry) {
	if err := p.rdb.XAck(ctx, streamKey, p.group, entry.streamMessageID).Err(); err != nil {
		p.logger.Warn().Err(err).Str("billing_entry_id", entry.BillingEntryID).Msg("failed to ack dlq stream entry")
	}
	if err := p.rdb.XDel(ctx, streamKey, entry.streamMessageID).Err(); err != nil {
		p.logger.Warn().Err(err).Str("billing_entry_id", entry.BillingEntryID).Msg("failed to remove dlq stream entry")
	}
}

// CheckEscalations scans the poison stream for entries older than
// EscalationWindow and invokes onEscalation exactly once per entry per
// scan.
func (p *Processor) CheckEscalations(ctx context.Context) (int, error) {
	entries, err := p.readPoisonStream(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-EscalationWindow)
	count := 0
	for _, entry := range entries {
		if entry.PoisonedAt.Before(cutoff) {
			count++
			if p.onEscalation != nil {
				p.onEscalation(entry)
			}
		}
	}
	if p.metrics != nil && count > 0 {
		p.metrics.DLQEscalated.Add(float64(count))
	}
	return count, nil
}

// BulkReplay drains up to limit poisoned entries and re-invokes finalize
// under bounded concurrency, removing each on success and leaving
// failures in place for a future bulk replay.
func (p *Processor) BulkReplay(ctx context.Context, limit int, concurrency int) (succeeded, failed int, err error) {
	if concurrency <= 0 {
		concurrency = 5
	}
	entries, err := p.readPoisonStream(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	sem := make(chan struct{}, concurrency)
	results := make(chan bool, len(entries))

	for _, entry := range entries {
		entry := entry
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			select {
			case <-ctx.Done():
				results <- false
				return
			default:
			}
			if err := p.finalize(ctx, entry); err != nil {
				results <- false
				return
			}
			if delErr := p.rdb.XDel(ctx, poisonStreamKey, entry.streamMessageID).Err(); delErr != nil {
				p.logger.Warn().Err(delErr).Str("billing_entry_id", entry.BillingEntryID).Msg("bulk replay remove failed")
			} else if p.metrics != nil {
				p.metrics.DLQPoisonSize.Dec()
			}
			results <- true
		}()
	}
	for i := 0; i < len(entries); i++ {
		if <-results {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// ListPoisoned returns every entry currently sitting in the poison
// stream, for admin tooling (billingctl dlq list) to inspect before
// deciding whether to replay or escalate.
func (p *Processor) ListPoisoned(ctx context.Context) ([]*Entry, error) {
	return p.readPoisonStream(ctx)
}

func (p *Processor) readPoisonStream(ctx context.Context) ([]*Entry, error) {
	msgs, err := p.rdb.XRange(ctx, poisonStreamKey, "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dlq: read poison stream: %w", err)
	}
	entries := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, entryFromFields(msg.ID, msg.Values))
	}
	return entries, nil
}

// CheckCappedRisk reports whether admitting a new reservation of
// pendingCost for tenant would push that tenant's total poisoned +
// in-flight DLQ exposure past maxPendingRiskMicro.
func (p *Processor) CheckCappedRisk(ctx context.Context, tenantID string, pendingCost string) (bool, error) {
	if p.maxPendingRiskMicro <= 0 {
		return true, nil
	}
	cost, err := decimalstr.Parse(pendingCost)
	if err != nil {
		return false, fmt.Errorf("dlq: invalid pending cost: %w", err)
	}

	total, err := p.tenantExposureMicro(ctx, tenantID)
	if err != nil {
		return false, err
	}
	total += cost.Int64()
	return total <= p.maxPendingRiskMicro, nil
}

func (p *Processor) tenantExposureMicro(ctx context.Context, tenantID string) (int64, error) {
	var total int64
	for _, key := range []string{streamKey, poisonStreamKey} {
		msgs, err := p.rdb.XRange(ctx, key, "-", "+").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("dlq: scan %s: %w", key, err)
		}
		for _, msg := range msgs {
			entry := entryFromFields(msg.ID, msg.Values)
			if entry.TenantID != tenantID {
				continue
			}
			if cost, err := decimalstr.Parse(entry.ActualCostMicro); err == nil {
				total += cost.Int64()
			}
		}
	}
	return total, nil
}

func entryToFields(e *Entry) map[string]interface{} {
	fields := map[string]interface{}{
		"billing_entry_id":  e.BillingEntryID,
		"account_id":        e.TenantID,
		"actual_cost_micro": e.ActualCostMicro,
		"correlation_id":    e.CorrelationID,
		"attempt":           fmt.Sprintf("%d", e.Attempt),
		"reason":            e.Reason,
		"created_at":        e.CreatedAt.Format(time.RFC3339),
		"next_retry_at":     e.NextRetryAt.Format(time.RFC3339),
	}
	if !e.PoisonedAt.IsZero() {
		fields["poisoned_at"] = e.PoisonedAt.Format(time.RFC3339)
	}
	return fields
}

func entryFromFields(id string, values map[string]interface{}) *Entry {
	e := &Entry{streamMessageID: id}
	e.BillingEntryID, _ = values["billing_entry_id"].(string)
	e.TenantID, _ = values["account_id"].(string)
	e.ActualCostMicro, _ = values["actual_cost_micro"].(string)
	e.CorrelationID, _ = values["correlation_id"].(string)
	if attempt, ok := values["attempt"].(string); ok {
		fmt.Sscanf(attempt, "%d", &e.Attempt)
	}
	e.Reason, _ = values["reason"].(string)
	if ts, ok := values["created_at"].(string); ok {
		e.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	if ts, ok := values["next_retry_at"].(string); ok {
		e.NextRetryAt, _ = time.Parse(time.RFC3339, ts)
	}
	if ts, ok := values["poisoned_at"].(string); ok {
		e.PoisonedAt, _ = time.Parse(time.RFC3339, ts)
	}
	return e
}

// Package cache mirrors the billing state machine's derived, WAL-backed
// state into Redis for fast read-path access (dashboards, admin tooling).
// Redis here is a read replica, never a source of truth: the WAL is
// authoritative and Redis is the thing that catches up to it.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	pendingCountKey  = "mirror:pending_count"
	tenantSpendKeyFn = "mirror:tenant_spend:%s"
)

// Snapshot is the point-in-time derived state a Mirror writes to Redis.
type Snapshot struct {
	PendingCount int64
	TenantSpend  map[string]string // tenant ID -> committed spend, decimal string micro
}

// Mirror pushes Snapshot values into Redis using pipelined batch writes.
type Mirror struct {
	redis  *redis.Client
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Mirror.
func New(rdb *redis.Client, logger zerolog.Logger) *Mirror {
	return &Mirror{
		redis:  rdb,
		logger: logger.With().Str("component", "cache_mirror").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Write pushes one Snapshot to Redis in pipelined batches of 1000.
func (m *Mirror) Write(ctx context.Context, snap Snapshot) error {
	pipe := m.redis.Pipeline()
	pipe.Set(ctx, pendingCountKey, snap.PendingCount, 0)

	count := 0
	for tenantID, spend := range snap.TenantSpend {
		pipe.Set(ctx, fmt.Sprintf(tenantSpendKeyFn, tenantID), spend, 0)
		count++
		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("cache: pipeline exec at count %d: %w", count, err)
			}
			pipe = m.redis.Pipeline()
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: final pipeline exec: %w", err)
	}

	m.logger.Debug().Int("tenant_count", count).Int64("pending_count", snap.PendingCount).Msg("mirror write complete")
	return nil
}

// PendingCount reads the mirrored pending_count, for dashboards that
// cannot afford to hold a read lock on the live state machine.
func (m *Mirror) PendingCount(ctx context.Context) (int64, error) {
	v, err := m.redis.Get(ctx, pendingCountKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: read pending_count: %w", err)
	}
	return v, nil
}

// TenantSpend reads one tenant's mirrored committed spend.
func (m *Mirror) TenantSpend(ctx context.Context, tenantID string) (string, error) {
	v, err := m.redis.Get(ctx, fmt.Sprintf(tenantSpendKeyFn, tenantID)).Result()
	if err == redis.Nil {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: read tenant spend: %w", err)
	}
	return v, nil
}

// SnapshotFunc produces the current derived-state snapshot to mirror;
// the caller supplies this so the cache package stays decoupled from the
// billing state machine's concrete type.
type SnapshotFunc func() Snapshot

// Start begins periodic mirroring, calling produce on each tick and
// writing its result to Redis, stopping cleanly via Stop's channel close.
func (m *Mirror) Start(ctx context.Context, interval time.Duration, produce SnapshotFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(m.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := m.Write(writeCtx, produce()); err != nil {
					m.logger.Error().Err(err).Msg("periodic mirror write failed")
				}
				cancel()
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic mirroring and waits for the background goroutine
// to exit.
func (m *Mirror) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

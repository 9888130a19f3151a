package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/cache"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestWriteThenReadBack(t *testing.T) {
	ctx := context.Background()
	m := cache.New(newTestRedis(t), discardLogger())

	err := m.Write(ctx, cache.Snapshot{
		PendingCount: 7,
		TenantSpend:  map[string]string{"tenant-a": "50000", "tenant-b": "10000"},
	})
	require.NoError(t, err)

	count, err := m.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), count)

	spend, err := m.TenantSpend(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "50000", spend)
}

func TestTenantSpendDefaultsToZeroWhenAbsent(t *testing.T) {
	ctx := context.Background()
	m := cache.New(newTestRedis(t), discardLogger())

	spend, err := m.TenantSpend(ctx, "unknown-tenant")
	require.NoError(t, err)
	require.Equal(t, "0", spend)
}

func TestStartMirrorsPeriodically(t *testing.T) {
	ctx := context.Background()
	m := cache.New(newTestRedis(t), discardLogger())

	calls := 0
	produce := func() cache.Snapshot {
		calls++
		return cache.Snapshot{PendingCount: int64(calls)}
	}

	m.Start(ctx, 10*time.Millisecond, produce)
	defer m.Stop()

	require.Eventually(t, func() bool {
		count, err := m.PendingCount(ctx)
		return err == nil && count >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

package reconcile_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/reconcile"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

type fakeAuthority struct {
	mu        sync.Mutex
	committed *big.Int
	limit     *big.Int
	err       error
}

func (f *fakeAuthority) FetchCommittedSpend(ctx context.Context, tenantID string) (*big.Int, *big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	return new(big.Int).Set(f.committed), new(big.Int).Set(f.limit), nil
}

func (f *fakeAuthority) set(committed, limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = big.NewInt(committed)
	f.limit = big.NewInt(limit)
}

func (f *fakeAuthority) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type transition struct {
	from, to reconcile.State
	reason   string
}

func TestPollWithinDriftStaysSynced(t *testing.T) {
	auth := &fakeAuthority{committed: big.NewInt(1000), limit: big.NewInt(100000)}
	c := reconcile.New(reconcile.Config{TenantID: "t1", Authority: auth, Logger: discardLogger()})

	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateSynced, c.State())
	require.True(t, c.ShouldAllowRequest())
}

func TestPollWithExcessDriftEntersFailOpen(t *testing.T) {
	auth := &fakeAuthority{committed: big.NewInt(5000), limit: big.NewInt(100000)}
	var transitions []transition
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		DriftThresholdMicro: 100,
		FailOpenPercent:      0.1,
		FailOpenAbsoluteCap:  big.NewInt(2000),
		Observer: func(from, to reconcile.State, reason string) {
			transitions = append(transitions, transition{from, to, reason})
		},
		Logger: discardLogger(),
	})

	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())
	require.True(t, c.ShouldAllowRequest())
	require.Len(t, transitions, 1)
	require.Equal(t, reconcile.ReasonDriftExceeded, transitions[0].reason)
}

func TestUnreachableAuthorityEntersFailOpen(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("connection refused")}
	c := reconcile.New(reconcile.Config{TenantID: "t1", Authority: auth, Logger: discardLogger()})

	err := c.Poll(context.Background())
	require.Error(t, err)
	require.Equal(t, reconcile.StateFailOpen, c.State())
}

func TestHeadroomExhaustionEntersFailClosed(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("unreachable")}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		FailOpenPercent:      1.0,
		FailOpenAbsoluteCap:  big.NewInt(1000),
		Logger:               discardLogger(),
	})

	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())
	require.True(t, c.ShouldAllowRequest())

	c.RecordLocalSpend(big.NewInt(1000))
	require.Equal(t, reconcile.StateFailClosed, c.State())
	require.False(t, c.ShouldAllowRequest())
}

func TestFailOpenDurationCeilingForcesFailClosed(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("unreachable")}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		FailOpenPercent:      1.0,
		FailOpenAbsoluteCap:  big.NewInt(1_000_000),
		FailOpenMaxDuration:  30 * time.Millisecond,
		Logger:               discardLogger(),
	})

	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	time.Sleep(50 * time.Millisecond)
	require.False(t, c.ShouldAllowRequest())
	require.Equal(t, reconcile.StateFailClosed, c.State())
}

func TestSuccessfulPollAfterFailOpenReturnsDirectlyToSynced(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("unreachable")}
	c := reconcile.New(reconcile.Config{TenantID: "t1", Authority: auth, Logger: discardLogger()})

	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	auth.setErr(nil)
	auth.set(0, 100000)
	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateSynced, c.State())
}

func TestRepeatedDriftExceededPollsDoNotRefillHeadroom(t *testing.T) {
	auth := &fakeAuthority{committed: big.NewInt(10000), limit: big.NewInt(1_000_000)}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		DriftThresholdMicro: 100,
		FailOpenPercent:     1.0,
		FailOpenAbsoluteCap: big.NewInt(5000),
		Logger:              discardLogger(),
	})

	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	// Spend most of the first entry's headroom (5000), then poll again
	// while the drift is still above threshold. A second FAIL_OPEN
	// transition within the same episode must not refill headroom.
	c.RecordLocalSpend(big.NewInt(4500))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	auth.set(11000, 1_000_000)
	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	// Only 500 of the original 5000 headroom remains; if the second poll
	// had refilled it to 5000, this 600 spend would stay within budget.
	c.RecordLocalSpend(big.NewInt(600))
	require.Equal(t, reconcile.StateFailClosed, c.State())
}

func TestRepeatedFailuresWhileFailOpenDoNotExtendDurationCeiling(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("unreachable")}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		FailOpenPercent:     1.0,
		FailOpenAbsoluteCap: big.NewInt(1_000_000),
		FailOpenMaxDuration: 30 * time.Millisecond,
		Logger:              discardLogger(),
	})

	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	time.Sleep(20 * time.Millisecond)
	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	// Total elapsed since the original entry now exceeds the 30ms ceiling.
	// If the second poll had reset failOpenSince, only ~20ms would have
	// passed since it and the client would incorrectly still be open.
	time.Sleep(20 * time.Millisecond)
	require.False(t, c.ShouldAllowRequest())
	require.Equal(t, reconcile.StateFailClosed, c.State())
}

func TestFailedPollWhileFailClosedStaysFailClosed(t *testing.T) {
	auth := &fakeAuthority{err: errors.New("unreachable")}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		FailOpenPercent:     1.0,
		FailOpenAbsoluteCap: big.NewInt(1000),
		Logger:              discardLogger(),
	})

	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	c.RecordLocalSpend(big.NewInt(1000))
	require.Equal(t, reconcile.StateFailClosed, c.State())

	// A poll that fails while already FAIL_CLOSED must not bounce the
	// client back to FAIL_OPEN with a fresh headroom; it stays closed
	// until a poll actually succeeds.
	require.Error(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailClosed, c.State())
	require.False(t, c.ShouldAllowRequest())
}

func TestHeadroomNeverRefillsAboveAbsoluteCapOnReentry(t *testing.T) {
	auth := &fakeAuthority{committed: big.NewInt(0), limit: big.NewInt(1_000_000)}
	c := reconcile.New(reconcile.Config{
		TenantID:            "t1",
		Authority:           auth,
		DriftThresholdMicro: 100,
		FailOpenPercent:      1.0,
		FailOpenAbsoluteCap:  big.NewInt(5000),
		Logger:               discardLogger(),
	})

	// First entry into FAIL_OPEN via drift.
	auth.set(10000, 1_000_000)
	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	// Spend most of the headroom, then re-sync.
	c.RecordLocalSpend(big.NewInt(4000))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	auth.set(14000, 1_000_000)
	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateSynced, c.State())

	// Re-enter FAIL_OPEN: headroom is recomputed fresh, still capped at
	// 5000, not whatever remained from the first entry.
	auth.set(24000, 1_000_000)
	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, reconcile.StateFailOpen, c.State())

	c.RecordLocalSpend(big.NewInt(5000))
	require.Equal(t, reconcile.StateFailClosed, c.State())
}

// Package reconcile keeps one tenant's local view of committed spend
// converging with the upstream billing authority's view.
//
// It runs a periodic-ticker/stop-channel lifecycle where the authority's
// value always wins on conflict, pointed at an HTTP billing authority,
// and adds an explicit fail-open/fail-closed state machine so a poll
// outage degrades gracefully instead of either blocking every request or
// trusting local state indefinitely.
package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/metrics"
)

// State is one of the three reconciliation states a tenant's client can
// be in.
type State string

const (
	StateSynced     State = "SYNCED"
	StateFailOpen   State = "FAIL_OPEN"
	StateFailClosed State = "FAIL_CLOSED"
)

// Fixed transition reason strings.
const (
	ReasonUnreachable       = "authority unreachable"
	ReasonDriftExceeded     = "drift exceeded"
	ReasonHeadroomExhausted = "headroom exhausted"
	ReasonDurationExceeded  = "fail-open duration exceeded"
	ReasonPollSucceeded     = "reconciliation successful"
)

// DefaultDriftThreshold is the microdollar drift above which SYNCED
// transitions to FAIL_OPEN even when the poll itself succeeded.
const DefaultDriftThreshold = 100

// DefaultPollInterval is the periodic poll cadence absent configuration.
const DefaultPollInterval = 5 * time.Second

// DefaultFailOpenDuration is the ceiling FAIL_OPEN gets before it
// collapses to FAIL_CLOSED regardless of remaining headroom.
const DefaultFailOpenDuration = 5 * time.Second

// AuthorityClient fetches the upstream billing authority's view of a
// tenant's committed spend and configured limit.
type AuthorityClient interface {
	FetchCommittedSpend(ctx context.Context, tenantID string) (committedMicro *big.Int, limitMicro *big.Int, err error)
}

// ObserverFunc is invoked on every state transition with the fixed
// reason string that drove it.
type ObserverFunc func(from, to State, reason string)

// Config configures a Client.
type Config struct {
	TenantID            string
	Authority           AuthorityClient
	DriftThresholdMicro int64
	PollInterval        time.Duration
	FailOpenPercent     float64
	FailOpenAbsoluteCap *big.Int
	FailOpenMaxDuration time.Duration
	Observer            ObserverFunc
	Logger              zerolog.Logger
	Metrics             *metrics.Registry
}

// Client tracks exactly one tenant's reconciliation state. A process
// holding multiple tenants runs one Client per tenant; there is no
// cross-tenant shared state.
type Client struct {
	tenantID            string
	authority           AuthorityClient
	driftThreshold      *big.Int
	pollInterval        time.Duration
	failOpenPercent     float64
	failOpenAbsoluteCap *big.Int
	failOpenMaxDuration time.Duration
	observer            ObserverFunc
	logger              zerolog.Logger
	metrics             *metrics.Registry

	mu             sync.Mutex
	state          State
	localSpent     *big.Int
	authorityLimit *big.Int
	headroom       *big.Int
	failOpenSince  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Client starting in the SYNCED state with zero local
// spend.
func New(cfg Config) *Client {
	threshold := big.NewInt(DefaultDriftThreshold)
	if cfg.DriftThresholdMicro > 0 {
		threshold = big.NewInt(cfg.DriftThresholdMicro)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxDuration := cfg.FailOpenMaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultFailOpenDuration
	}
	percent := cfg.FailOpenPercent
	if percent <= 0 {
		percent = 0.1
	}
	absoluteCap := cfg.FailOpenAbsoluteCap
	if absoluteCap == nil {
		absoluteCap = big.NewInt(0)
	}
	return &Client{
		tenantID:            cfg.TenantID,
		authority:           cfg.Authority,
		driftThreshold:      threshold,
		pollInterval:        interval,
		failOpenPercent:     percent,
		failOpenAbsoluteCap: absoluteCap,
		failOpenMaxDuration: maxDuration,
		observer:            cfg.Observer,
		logger:              cfg.Logger.With().Str("component", "reconciliation_client").Str("tenant_id", cfg.TenantID).Logger(),
		metrics:             cfg.Metrics,
		state:               StateSynced,
		localSpent:          big.NewInt(0),
		authorityLimit:      big.NewInt(0),
		headroom:            big.NewInt(0),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
}

// RecordLocalSpend adds delta (microdollars) to the tenant's local spend
// tally. During FAIL_OPEN, delta also decrements the remaining headroom;
// headroom reaching zero transitions to FAIL_CLOSED.
func (c *Client) RecordLocalSpend(delta *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSpent.Add(c.localSpent, delta)

	if c.state != StateFailOpen {
		return
	}
	c.headroom.Sub(c.headroom, delta)
	if c.headroom.Sign() <= 0 {
		c.headroom.SetInt64(0)
		c.transitionLocked(StateFailClosed, ReasonHeadroomExhausted)
	}
}

// ShouldAllowRequest reports whether a new request may proceed given the
// current reconciliation state.
func (c *Client) ShouldAllowRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkFailOpenDurationLocked()
	return c.state != StateFailClosed
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// checkFailOpenDurationLocked collapses FAIL_OPEN to FAIL_CLOSED once the
// configured ceiling has elapsed, independent of remaining headroom.
// Callers must hold c.mu.
func (c *Client) checkFailOpenDurationLocked() {
	if c.state != StateFailOpen {
		return
	}
	if time.Since(c.failOpenSince) >= c.failOpenMaxDuration {
		c.transitionLocked(StateFailClosed, ReasonDurationExceeded)
	}
}

// Poll fetches the authority's view of committed spend and limit,
// compares it against the local view, and drives a state transition
// before returning. It may be called periodically by Start or
// synchronously on demand.
func (c *Client) Poll(ctx context.Context) error {
	committed, limit, err := c.authority.FetchCommittedSpend(ctx, c.tenantID)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkFailOpenDurationLocked()

	if err != nil {
		c.recordPoll("unreachable")
		if c.state == StateSynced {
			c.transitionLocked(StateFailOpen, ReasonUnreachable)
		}
		return fmt.Errorf("reconcile: poll tenant %s: %w", c.tenantID, err)
	}

	drift := new(big.Int).Sub(committed, c.localSpent)
	driftAbs := new(big.Int).Abs(drift)

	// The authority's value always wins; local state adopts it regardless
	// of which state this poll lands in.
	c.localSpent = new(big.Int).Set(committed)
	c.authorityLimit = new(big.Int).Set(limit)
	if c.metrics != nil {
		driftFloat, _ := new(big.Float).SetInt(driftAbs).Float64()
		c.metrics.ReconciliationDrift.Set(driftFloat)
	}

	if driftAbs.Cmp(c.driftThreshold) > 0 {
		c.recordPoll("drift_exceeded")
		c.transitionLocked(StateFailOpen, ReasonDriftExceeded)
		return nil
	}

	c.recordPoll("synced")
	c.transitionLocked(StateSynced, ReasonPollSucceeded)
	return nil
}

// transitionLocked applies a state change, computing fresh FAIL_OPEN
// headroom only on a genuine entry into that state, and firing the
// observer. Callers must hold c.mu. Headroom is bounded by the absolute
// cap every time it is recomputed, so repeated flapping between states
// never widens the tenant's unauthenticated spend window, but a run of
// polls that stay in FAIL_OPEN must not refill headroom or push the
// duration clock forward on each one.
func (c *Client) transitionLocked(to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	if to == StateFailOpen {
		c.headroom = c.computeHeadroomLocked()
		c.failOpenSince = time.Now()
	}
	c.state = to
	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("reconciliation state transition")
	if c.metrics != nil {
		c.metrics.ReconciliationState.WithLabelValues(c.tenantID, string(from)).Set(0)
		c.metrics.ReconciliationState.WithLabelValues(c.tenantID, string(to)).Set(1)
	}
	if c.observer != nil {
		c.observer(from, to, reason)
	}
}

func (c *Client) computeHeadroomLocked() *big.Int {
	percentOfLimit := new(big.Float).Mul(
		new(big.Float).SetInt(c.authorityLimit),
		big.NewFloat(c.failOpenPercent),
	)
	percentInt, _ := percentOfLimit.Int(nil)
	if c.failOpenAbsoluteCap.Sign() > 0 && percentInt.Cmp(c.failOpenAbsoluteCap) > 0 {
		return new(big.Int).Set(c.failOpenAbsoluteCap)
	}
	return percentInt
}

func (c *Client) recordPoll(outcome string) {
	if c.metrics != nil {
		c.metrics.ReconciliationPolls.WithLabelValues(outcome).Inc()
	}
}

// Start begins periodic polling in a background goroutine.
func (c *Client) Start(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Poll(ctx); err != nil {
					c.logger.Warn().Err(err).Msg("periodic reconciliation poll failed")
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic polling and waits for the background goroutine to
// exit.
func (c *Client) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

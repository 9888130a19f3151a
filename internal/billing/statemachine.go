package billing

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/decimalstr"
	"github.com/consonant/billing-core/internal/metrics"
	"github.com/consonant/billing-core/internal/wal"
)

// stripeCount is the number of mutex stripes billing entry identifiers are
// hashed into: operations on the same identifier are always serialized
// through the same stripe, while operations on different identifiers run
// in parallel unless their identifiers hash to the same stripe.
const stripeCount = 256

// DefaultReserveTTL is how long a reservation is held before the scheduler
// releases it automatically.
const DefaultReserveTTL = 5 * time.Minute

// Appender is the subset of *wal.Writer the state machine depends on.
type Appender interface {
	Append(eventType wal.EventType, billingEntryID, correlationID string, payload interface{}) (uint64, error)
}

// StateMachine is the billing entry state machine: WAL-first, then applied
// to a derived in-memory store under a lock scoped to the billing entry
// identifier. The reserve/consume/reconcile shape stays the same whether
// durability is backed by Redis Lua scripts or, as here, the WAL.
type StateMachine struct {
	appender Appender
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.RWMutex
	entries map[string]*Entry
	stripes [stripeCount]sync.Mutex

	reserveTTL time.Duration
	timersMu   sync.Mutex
	timers     map[string]*time.Timer

	pendingMu sync.Mutex
	pending   int64
}

// New constructs a StateMachine with an empty derived store. Callers must
// run wal.Replay with Reducer() before accepting traffic, to rebuild the
// store from history.
func New(appender Appender, logger zerolog.Logger, m *metrics.Registry, reserveTTL time.Duration) *StateMachine {
	if reserveTTL <= 0 {
		reserveTTL = DefaultReserveTTL
	}
	return &StateMachine{
		appender:   appender,
		logger:     logger.With().Str("component", "billing_statemachine").Logger(),
		metrics:    m,
		entries:    make(map[string]*Entry),
		reserveTTL: reserveTTL,
		timers:     make(map[string]*time.Timer),
	}
}

// Reducer returns a wal.ApplyFunc that applies env's reducer to the
// derived store without touching the WAL or the TTL scheduler. It is the
// function wal.Replay drives at startup to rebuild state from history.
func (sm *StateMachine) Reducer() wal.ApplyFunc {
	return func(env *wal.Envelope) error {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		prev, next, err := reduce(sm.entries, env)
		if err != nil {
			return err
		}
		sm.adjustPending(prev, next)
		return nil
	}
}

func (sm *StateMachine) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &sm.stripes[h.Sum32()%stripeCount]
}

// Get returns a clone of the current entry for id, or nil if none exists.
func (sm *StateMachine) Get(id string) *Entry {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.entries[id].Clone()
}

// PendingCount returns the current count of entries in FINALIZE_PENDING or
// FINALIZE_FAILED, per invariant 3.
func (sm *StateMachine) PendingCount() int64 {
	sm.pendingMu.Lock()
	defer sm.pendingMu.Unlock()
	return sm.pending
}

func (sm *StateMachine) adjustPending(prev, next State) {
	wasPending := isPending(prev)
	isNowPending := isPending(next)
	if wasPending == isNowPending {
		return
	}
	sm.pendingMu.Lock()
	if isNowPending {
		sm.pending++
	} else if sm.pending > 0 {
		sm.pending--
	}
	count := sm.pending
	sm.pendingMu.Unlock()
	if sm.metrics != nil {
		sm.metrics.PendingCount.Set(float64(count))
	}
}

// apply performs the four-step operation contract: validate the
// requested edge, append the envelope, apply the reducer under the
// entry's stripe lock, and update gauges. It is the single choke point
// every exported operation funnels through.
func (sm *StateMachine) apply(ctx context.Context, id, correlationID string, eventType wal.EventType, validate func(State) error, payload interface{}) (*Entry, error) {
	lock := sm.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	sm.mu.RLock()
	existing := sm.entries[id]
	sm.mu.RUnlock()

	var current State
	if existing != nil {
		current = existing.State
	} else {
		current = StateIdle
	}
	if err := validate(current); err != nil {
		return nil, err
	}

	seq, err := sm.appender.Append(eventType, id, correlationID, payload)
	if err != nil {
		return nil, fmt.Errorf("billing: append %s: %w", eventType, err)
	}

	sm.mu.Lock()
	prev, next, err := reduce(sm.entries, &wal.Envelope{
		EventType:      eventType,
		BillingEntryID: id,
		CorrelationID:  correlationID,
		Timestamp:      time.Now().UnixMilli(),
		Sequence:       seq,
		Payload:        mustMarshalPayload(payload),
	})
	if err == nil {
		sm.adjustPending(prev, next)
	}
	entry := sm.entries[id].Clone()
	sm.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("billing: apply %s after durable append: %w", eventType, err)
	}

	sm.logger.Info().
		Str("billing_entry_id", id).
		Str("event_type", string(eventType)).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("billing transition applied")
	if sm.metrics != nil {
		sm.metrics.BillingTransitions.WithLabelValues(string(eventType), "applied").Inc()
	}

	return entry, nil
}

// Reserve opens a new billing entry in RESERVE_HELD and arms the TTL
// scheduler to auto-release it if nothing commits or releases it first.
func (sm *StateMachine) Reserve(ctx context.Context, id, tenantID, correlationID string, estimatedCost *big.Int, rate ExchangeRate) (*Entry, error) {
	payload := ReservePayload{
		TenantID:           tenantID,
		EstimatedCostMicro: decimalstr.Format(estimatedCost),
		ExchangeRate:       rate,
	}
	entry, err := sm.apply(ctx, id, correlationID, wal.EventBillingReserve, func(current State) error {
		if current != StateIdle {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
	if err != nil {
		return nil, err
	}
	sm.armReserveTTL(id)
	return entry, nil
}

// Commit moves an entry from RESERVE_HELD straight to FINALIZE_PENDING
// (see reduceCommit) and disarms its TTL timer.
func (sm *StateMachine) Commit(ctx context.Context, id, correlationID string, actualCost *big.Int) (*Entry, error) {
	payload := CommitPayload{ActualCostMicro: decimalstr.Format(actualCost)}
	entry, err := sm.apply(ctx, id, correlationID, wal.EventBillingCommit, func(current State) error {
		if !CanTransition(current, StateCommitted) {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
	if err != nil {
		return nil, err
	}
	sm.disarmReserveTTL(id)
	return entry, nil
}

// Release voluntarily gives up a reservation (e.g. the upstream request
// never completed).
func (sm *StateMachine) Release(ctx context.Context, id, correlationID, reason string) (*Entry, error) {
	payload := ReleasePayload{Reason: reason}
	entry, err := sm.apply(ctx, id, correlationID, wal.EventBillingRelease, func(current State) error {
		if !CanTransition(current, StateReleased) {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
	if err != nil {
		return nil, err
	}
	sm.disarmReserveTTL(id)
	return entry, nil
}

// Void writes off a committed or permanently-failed entry.
func (sm *StateMachine) Void(ctx context.Context, id, correlationID, reason string) (*Entry, error) {
	payload := VoidPayload{Reason: reason}
	return sm.apply(ctx, id, correlationID, wal.EventBillingVoid, func(current State) error {
		if !CanTransition(current, StateVoided) {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
}

// FinalizeAck records a successful finalization with the external billing
// authority.
func (sm *StateMachine) FinalizeAck(ctx context.Context, id, correlationID, status string) (*Entry, error) {
	payload := FinalizeAckPayload{Status: status}
	return sm.apply(ctx, id, correlationID, wal.EventBillingFinalizeAck, func(current State) error {
		if !CanTransition(current, StateFinalizeAcked) {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
}

// FinalizeFail records a finalization attempt failure. Repeated failures
// against an entry already in FINALIZE_FAILED are attempt-counter bumps,
// not new graph edges; see reduceFinalizeFail.
func (sm *StateMachine) FinalizeFail(ctx context.Context, id, correlationID, reason string, attempt int) (*Entry, error) {
	payload := FinalizeFailPayload{Reason: reason, Attempt: attempt}
	return sm.apply(ctx, id, correlationID, wal.EventBillingFinalizeFail, func(current State) error {
		if current != StateFinalizeFailed && !CanTransition(current, StateFinalizeFailed) {
			return ErrIllegalTransition
		}
		return nil
	}, payload)
}

// armReserveTTL schedules an automatic release for id if it is still in
// RESERVE_HELD when the timer fires.
func (sm *StateMachine) armReserveTTL(id string) {
	sm.timersMu.Lock()
	defer sm.timersMu.Unlock()
	if t, ok := sm.timers[id]; ok {
		t.Stop()
	}
	sm.timers[id] = time.AfterFunc(sm.reserveTTL, func() {
		sm.expireReserve(id)
	})
}

func (sm *StateMachine) disarmReserveTTL(id string) {
	sm.timersMu.Lock()
	defer sm.timersMu.Unlock()
	if t, ok := sm.timers[id]; ok {
		t.Stop()
		delete(sm.timers, id)
	}
}

func (sm *StateMachine) expireReserve(id string) {
	sm.timersMu.Lock()
	delete(sm.timers, id)
	sm.timersMu.Unlock()

	lock := sm.stripe(id)
	lock.Lock()
	defer lock.Unlock()

	sm.mu.RLock()
	existing := sm.entries[id]
	sm.mu.RUnlock()
	if existing == nil || existing.State != StateReserveHeld {
		return
	}

	seq, err := sm.appender.Append(wal.EventBillingReserveExpired, id, existing.CorrelationID, ReserveExpiredPayload{})
	if err != nil {
		sm.logger.Error().Err(err).Str("billing_entry_id", id).Msg("failed to append reserve-expired record")
		return
	}

	sm.mu.Lock()
	prev, next, err := reduce(sm.entries, &wal.Envelope{
		EventType:      wal.EventBillingReserveExpired,
		BillingEntryID: id,
		CorrelationID:  existing.CorrelationID,
		Timestamp:      time.Now().UnixMilli(),
		Sequence:       seq,
		Payload:        mustMarshalPayload(ReserveExpiredPayload{}),
	})
	if err == nil {
		sm.adjustPending(prev, next)
	}
	sm.mu.Unlock()

	if err != nil {
		sm.logger.Error().Err(err).Str("billing_entry_id", id).Msg("failed to apply reserve-expired record")
		return
	}

	sm.logger.Info().Str("billing_entry_id", id).Msg("reservation expired and released")
	if sm.metrics != nil {
		sm.metrics.BillingTransitions.WithLabelValues(string(wal.EventBillingReserveExpired), "applied").Inc()
	}
}

func mustMarshalPayload(v interface{}) []byte {
	raw, err := wal.CanonicalJSON(v)
	if err != nil {
		panic(fmt.Sprintf("billing: payload %T does not marshal: %v", v, err))
	}
	return raw
}

package billing

import (
	"errors"
	"time"

	"github.com/consonant/billing-core/internal/decimalstr"
	"github.com/consonant/billing-core/internal/wal"
)

// ErrIllegalTransition is returned whenever a requested transition is not
// an edge in the state graph. It is a programmer/data error: never
// retried, and the WAL must not be mutated when it is returned from a live
// operation (reducers return it to replay too, which is fatal to that
// replay run: a WAL that contains an illegal path is corrupt at a level
// checksum verification cannot catch).
var ErrIllegalTransition = errors.New("billing: illegal state transition")

// ErrUnknownPayload is returned when an envelope's payload doesn't decode
// into the shape its event type implies, and for any event type this
// package has no reducer for.
var ErrUnknownPayload = errors.New("billing: payload does not match event type")

// ReservePayload is the billing_reserve event payload.
type ReservePayload struct {
	TenantID           string       `json:"tenant_id"`
	EstimatedCostMicro string       `json:"estimated_cost_micro"`
	ExchangeRate       ExchangeRate `json:"exchange_rate"`
}

// CommitPayload is the billing_commit event payload.
type CommitPayload struct {
	ActualCostMicro string `json:"actual_cost_micro"`
}

// ReleasePayload is the billing_release event payload.
type ReleasePayload struct {
	Reason string `json:"reason"`
}

// VoidPayload is the billing_void event payload.
type VoidPayload struct {
	Reason string `json:"reason"`
}

// FinalizeAckPayload is the billing_finalize_ack event payload.
type FinalizeAckPayload struct {
	Status string `json:"status"`
}

// FinalizeFailPayload is the billing_finalize_fail event payload.
type FinalizeFailPayload struct {
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}

// ReserveExpiredPayload is the billing_reserve_expired event payload.
type ReserveExpiredPayload struct{}

// reduce applies env's event-specific reducer to entries, a pure function
// of the envelope and the prior map contents. It returns the entry's state
// before and after the transition (prevState is StateIdle when no entry
// previously existed) so the caller can derive gauge deltas without the
// reducer itself carrying side effects.
//
// Replaying the same record against the same prior map contents must
// always produce the same result: no clock reads, no randomness.
func reduce(entries map[string]*Entry, env *wal.Envelope) (prevState, newState State, err error) {
	switch env.EventType {
	case wal.EventBillingReserve:
		return reduceReserve(entries, env)
	case wal.EventBillingCommit:
		return reduceCommit(entries, env)
	case wal.EventBillingRelease:
		return reduceRelease(entries, env)
	case wal.EventBillingVoid:
		return reduceVoid(entries, env)
	case wal.EventBillingFinalizeAck:
		return reduceFinalizeAck(entries, env)
	case wal.EventBillingFinalizeFail:
		return reduceFinalizeFail(entries, env)
	case wal.EventBillingReserveExpired:
		return reduceReserveExpired(entries, env)
	default:
		return "", "", ErrUnknownPayload
	}
}

func reduceReserve(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	if _, exists := entries[env.BillingEntryID]; exists {
		return "", "", ErrIllegalTransition
	}
	var p ReservePayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return "", "", err
	}
	est, err := decimalstr.Parse(p.EstimatedCostMicro)
	if err != nil {
		return "", "", err
	}
	ts := time.UnixMilli(env.Timestamp).UTC()
	entries[env.BillingEntryID] = &Entry{
		ID:              env.BillingEntryID,
		TenantID:        p.TenantID,
		CorrelationID:   env.CorrelationID,
		State:           StateReserveHeld,
		EstimatedCost:   est,
		ExchangeRate:    p.ExchangeRate,
		CreatedAt:       ts,
		UpdatedAt:       ts,
		LastWALSequence: env.Sequence,
	}
	return StateIdle, StateReserveHeld, nil
}

// reduceCommit implements the decision recorded in DESIGN.md: the exposed
// operation set has no separate "enter finalize pending" op and the WAL
// known-event-type list has no event for it either, so a single
// billing_commit record carries the entry straight from RESERVE_HELD to
// FINALIZE_PENDING. COMMITTED remains a legal graph node (validated via
// CanTransition) for documentation and for admin tooling that inspects the
// transition graph, but this reducer never leaves an entry parked there.
func reduceCommit(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok || !CanTransition(entry.State, StateCommitted) {
		return "", "", ErrIllegalTransition
	}
	var p CommitPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return "", "", err
	}
	actual, err := decimalstr.Parse(p.ActualCostMicro)
	if err != nil {
		return "", "", err
	}
	prev := entry.State
	entry.ActualCost = actual
	entry.State = StateFinalizePending
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

func reduceRelease(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok || !CanTransition(entry.State, StateReleased) {
		return "", "", ErrIllegalTransition
	}
	prev := entry.State
	entry.State = StateReleased
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

func reduceVoid(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok || !CanTransition(entry.State, StateVoided) {
		return "", "", ErrIllegalTransition
	}
	prev := entry.State
	entry.State = StateVoided
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

func reduceFinalizeAck(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok || !CanTransition(entry.State, StateFinalizeAcked) {
		return "", "", ErrIllegalTransition
	}
	prev := entry.State
	entry.State = StateFinalizeAcked
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

// reduceFinalizeFail moves an entry into FINALIZE_FAILED on its first
// failure. A subsequent failure while already FINALIZE_FAILED (the DLQ
// retrying again) is not a new graph edge, it is an attempt-counter bump
// against an unchanged state, which CanTransition correctly has no opinion
// on since FINALIZE_FAILED -> FINALIZE_FAILED is not and should not be a
// listed edge.
func reduceFinalizeFail(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok {
		return "", "", ErrIllegalTransition
	}
	var p FinalizeFailPayload
	if err := env.UnmarshalPayload(&p); err != nil {
		return "", "", err
	}
	prev := entry.State
	if entry.State != StateFinalizeFailed && !CanTransition(entry.State, StateFinalizeFailed) {
		return "", "", ErrIllegalTransition
	}
	entry.State = StateFinalizeFailed
	entry.FinalizeAttempt = p.Attempt
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

func reduceReserveExpired(entries map[string]*Entry, env *wal.Envelope) (State, State, error) {
	entry, ok := entries[env.BillingEntryID]
	if !ok || !CanTransition(entry.State, StateReleased) {
		return "", "", ErrIllegalTransition
	}
	prev := entry.State
	entry.State = StateReleased
	entry.UpdatedAt = time.UnixMilli(env.Timestamp).UTC()
	entry.LastWALSequence = env.Sequence
	return prev, entry.State, nil
}

// isPending reports whether s counts toward pending_count per the
// FINALIZE_PENDING-or-FINALIZE_FAILED invariant.
func isPending(s State) bool {
	return s == StateFinalizePending || s == StateFinalizeFailed
}

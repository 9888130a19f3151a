// Package admission composes the reconciliation, DLQ, and billing
// state-machine checks that must all hold before a new request is
// allowed to reserve budget. It owns none of those three components, it
// only calls them: none of them depends on admission, so any of them can
// be exercised standalone or swapped independently.
package admission

import (
	"context"
	"fmt"

	"github.com/consonant/billing-core/internal/billing"
)

// Reconciler is the subset of reconcile.Client the gate needs.
type Reconciler interface {
	ShouldAllowRequest() bool
}

// RiskChecker is the subset of dlq.Processor the gate needs.
type RiskChecker interface {
	CheckCappedRisk(ctx context.Context, tenantID, pendingCost string) (bool, error)
}

// Reason identifies which of the three conjunctive checks refused a
// request.
type Reason string

const (
	ReasonReconciliationClosed Reason = "reconciliation_fail_closed"
	ReasonRiskCapExceeded      Reason = "risk_cap_exceeded"
	ReasonIllegalTransition    Reason = "illegal_transition"
)

// Refusal is returned when any of the three checks fails.
type Refusal struct {
	Reason Reason
	Err    error
}

func (r *Refusal) Error() string {
	if r.Err != nil {
		return string(r.Reason) + ": " + r.Err.Error()
	}
	return string(r.Reason)
}

func (r *Refusal) Unwrap() error { return r.Err }

// Gate composes the three admission checks required before a reserve is
// written to the WAL.
type Gate struct {
	reconciler Reconciler
	risk       RiskChecker
}

// New constructs a Gate from its two injected dependencies; the legality
// check uses billing.CanTransition directly.
func New(reconciler Reconciler, risk RiskChecker) *Gate {
	return &Gate{reconciler: reconciler, risk: risk}
}

// Check runs the three conjunctive checks for tenantID reserving
// pendingCost against billing entry currentState. It returns nil only if
// every check holds; the caller may then proceed to append the reserve to
// the WAL.
func (g *Gate) Check(ctx context.Context, tenantID, pendingCost string, currentState billing.State) error {
	if !g.reconciler.ShouldAllowRequest() {
		return &Refusal{Reason: ReasonReconciliationClosed}
	}

	allowed, err := g.risk.CheckCappedRisk(ctx, tenantID, pendingCost)
	if err != nil {
		return fmt.Errorf("admission: risk check: %w", err)
	}
	if !allowed {
		return &Refusal{Reason: ReasonRiskCapExceeded}
	}

	if !billing.CanTransition(currentState, billing.StateReserveHeld) {
		return &Refusal{Reason: ReasonIllegalTransition}
	}

	return nil
}

package admission_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/admission"
	"github.com/consonant/billing-core/internal/billing"
)

type fakeReconciler struct{ allow bool }

func (f fakeReconciler) ShouldAllowRequest() bool { return f.allow }

type fakeRisk struct {
	allow bool
	err   error
}

func (f fakeRisk) CheckCappedRisk(ctx context.Context, tenantID, pendingCost string) (bool, error) {
	return f.allow, f.err
}

func TestCheckAllowsWhenAllThreeHold(t *testing.T) {
	g := admission.New(fakeReconciler{allow: true}, fakeRisk{allow: true})
	err := g.Check(context.Background(), "tenant-a", "100", billing.StateIdle)
	require.NoError(t, err)
}

func TestCheckRefusesOnReconciliationFailClosed(t *testing.T) {
	g := admission.New(fakeReconciler{allow: false}, fakeRisk{allow: true})
	err := g.Check(context.Background(), "tenant-a", "100", billing.StateIdle)
	var refusal *admission.Refusal
	require.ErrorAs(t, err, &refusal)
	require.Equal(t, admission.ReasonReconciliationClosed, refusal.Reason)
}

func TestCheckRefusesOnRiskCapExceeded(t *testing.T) {
	g := admission.New(fakeReconciler{allow: true}, fakeRisk{allow: false})
	err := g.Check(context.Background(), "tenant-a", "100", billing.StateIdle)
	var refusal *admission.Refusal
	require.ErrorAs(t, err, &refusal)
	require.Equal(t, admission.ReasonRiskCapExceeded, refusal.Reason)
}

func TestCheckRefusesOnIllegalTransition(t *testing.T) {
	g := admission.New(fakeReconciler{allow: true}, fakeRisk{allow: true})
	// An entry already RESERVE_HELD cannot legally re-enter RESERVE_HELD.
	err := g.Check(context.Background(), "tenant-a", "100", billing.StateReserveHeld)
	var refusal *admission.Refusal
	require.ErrorAs(t, err, &refusal)
	require.Equal(t, admission.ReasonIllegalTransition, refusal.Reason)
}

func TestCheckPropagatesRiskCheckError(t *testing.T) {
	g := admission.New(fakeReconciler{allow: true}, fakeRisk{err: errors.New("redis down")})
	err := g.Check(context.Background(), "tenant-a", "100", billing.StateIdle)
	require.Error(t, err)
	var refusal *admission.Refusal
	require.False(t, errors.As(err, &refusal), "a transport error is not a Refusal")
}

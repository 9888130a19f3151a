package finalize_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/finalize"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

type fakeDLQ struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeDLQ) Enqueue(ctx context.Context, billingEntryID, tenantID, actualCostMicro, correlationID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeDLQ) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reasons) == 0 {
		return ""
	}
	return f.reasons[len(f.reasons)-1]
}

func newServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Authorization"))
		w.WriteHeader(status)
	}))
}

func TestFinalize2xxIsSuccess(t *testing.T) {
	srv := newServer(t, http.StatusOK)
	defer srv.Close()

	q := &fakeDLQ{}
	c := finalize.New(finalize.Config{Endpoint: srv.URL, SigningKey: []byte("secret"), DLQ: q, Logger: discardLogger()})

	outcome, err := c.Finalize(context.Background(), finalize.Request{
		BillingEntryID: "entry-1", TenantID: "tenant-a", ActualCostMicro: "4800", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.Equal(t, finalize.OutcomeSuccess, outcome)
	require.Empty(t, q.reasons)
}

func TestFinalize409IsIdempotentSuccess(t *testing.T) {
	srv := newServer(t, http.StatusConflict)
	defer srv.Close()

	q := &fakeDLQ{}
	c := finalize.New(finalize.Config{Endpoint: srv.URL, SigningKey: []byte("secret"), DLQ: q, Logger: discardLogger()})

	outcome, err := c.Finalize(context.Background(), finalize.Request{
		BillingEntryID: "entry-1", TenantID: "tenant-a", ActualCostMicro: "4800", CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	require.Equal(t, finalize.OutcomeIdempotent, outcome)
	require.Empty(t, q.reasons)
}

func TestFinalize422IsTerminalAndEnqueuesWithoutRetryCode(t *testing.T) {
	srv := newServer(t, http.StatusUnprocessableEntity)
	defer srv.Close()

	q := &fakeDLQ{}
	c := finalize.New(finalize.Config{Endpoint: srv.URL, SigningKey: []byte("secret"), DLQ: q, Logger: discardLogger()})

	outcome, err := c.Finalize(context.Background(), finalize.Request{
		BillingEntryID: "entry-1", TenantID: "tenant-a", ActualCostMicro: "4800", CorrelationID: "corr-1",
	})
	require.Error(t, err)
	require.Equal(t, finalize.OutcomeTerminal, outcome)
	require.Equal(t, "http_422", q.last())
}

func TestFinalize503IsRetryable(t *testing.T) {
	srv := newServer(t, http.StatusServiceUnavailable)
	defer srv.Close()

	q := &fakeDLQ{}
	c := finalize.New(finalize.Config{Endpoint: srv.URL, SigningKey: []byte("secret"), DLQ: q, Logger: discardLogger()})

	outcome, err := c.Finalize(context.Background(), finalize.Request{
		BillingEntryID: "entry-1", TenantID: "tenant-a", ActualCostMicro: "4800", CorrelationID: "corr-1",
	})
	require.Error(t, err)
	require.Equal(t, finalize.OutcomeRetryable, outcome)
	require.Equal(t, "http_503", q.last())
}

func TestFinalizeInvalidActualCostNeverCallsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := &fakeDLQ{}
	c := finalize.New(finalize.Config{Endpoint: srv.URL, SigningKey: []byte("secret"), DLQ: q, Logger: discardLogger()})

	outcome, err := c.Finalize(context.Background(), finalize.Request{
		BillingEntryID: "entry-1", TenantID: "tenant-a", ActualCostMicro: "-100", CorrelationID: "corr-1",
	})
	require.Error(t, err)
	require.Equal(t, finalize.OutcomeTerminal, outcome)
	require.False(t, called, "a structurally invalid cost must never reach the network")
	require.Equal(t, "invalid_actual_cost", q.last())
}

package reconcile_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/reconcile"
)

func TestHTTPAuthorityFetchCommittedSpend(t *testing.T) {
	signingKey := []byte("test-signing-key")
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"committed_micro":"123000","limit_micro":"5000000"}`))
	}))
	defer srv.Close()

	authority := reconcile.NewHTTPAuthority(reconcile.HTTPAuthorityConfig{
		Endpoint:   srv.URL,
		SigningKey: signingKey,
	})

	committed, limit, err := authority.FetchCommittedSpend(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "123000", committed.String())
	require.Equal(t, "5000000", limit.String())
	require.Contains(t, gotAuth, "Bearer ")

	tokenStr := gotAuth[len("Bearer "):]
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return signingKey, nil
	})
	require.NoError(t, err)
	require.Equal(t, "tenant-a", claims["sub"])
	require.Equal(t, "billing_reconcile", claims["purpose"])
}

func TestHTTPAuthorityNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	authority := reconcile.NewHTTPAuthority(reconcile.HTTPAuthorityConfig{
		Endpoint:   srv.URL,
		SigningKey: []byte("test-signing-key"),
	})

	_, _, err := authority.FetchCommittedSpend(context.Background(), "tenant-a")
	require.Error(t, err)
}

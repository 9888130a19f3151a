package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultHTTPTimeout is the synchronous call budget for a reconciliation
// poll, mirroring the finalize client's transport discipline.
const DefaultHTTPTimeout = 2 * time.Second

// HTTPAuthority is the default AuthorityClient: it asks the external
// billing authority for a tenant's committed spend and limit the same way
// internal/finalize asks it to accept a charge, with a short-lived signed
// token over HTTP, classified strictly by status code.
type HTTPAuthority struct {
	httpClient *http.Client
	endpoint   string
	signingKey []byte
	tokenTTL   time.Duration
}

// HTTPAuthorityConfig configures an HTTPAuthority.
type HTTPAuthorityConfig struct {
	Endpoint   string
	SigningKey []byte
	TokenTTL   time.Duration
	Timeout    time.Duration
}

// NewHTTPAuthority constructs an HTTPAuthority.
func NewHTTPAuthority(cfg HTTPAuthorityConfig) *HTTPAuthority {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &HTTPAuthority{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		signingKey: cfg.SigningKey,
		tokenTTL:   ttl,
	}
}

type reconcileClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
}

type committedSpendResponse struct {
	CommittedMicro string `json:"committed_micro"`
	LimitMicro     string `json:"limit_micro"`
}

// FetchCommittedSpend implements AuthorityClient.
func (a *HTTPAuthority) FetchCommittedSpend(ctx context.Context, tenantID string) (*big.Int, *big.Int, error) {
	token, err := a.signToken(tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: sign authority token: %w", err)
	}

	url := fmt.Sprintf("%s?tenant_id=%s", a.endpoint, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: build authority request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile: call authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("reconcile: authority returned status %d", resp.StatusCode)
	}

	var body committedSpendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, nil, fmt.Errorf("reconcile: decode authority response: %w", err)
	}

	committed, ok := new(big.Int).SetString(body.CommittedMicro, 10)
	if !ok {
		return nil, nil, fmt.Errorf("reconcile: authority returned malformed committed_micro %q", body.CommittedMicro)
	}
	limit, ok := new(big.Int).SetString(body.LimitMicro, 10)
	if !ok {
		return nil, nil, fmt.Errorf("reconcile: authority returned malformed limit_micro %q", body.LimitMicro)
	}

	return committed, limit, nil
}

func (a *HTTPAuthority) signToken(tenantID string) (string, error) {
	now := time.Now()
	claims := reconcileClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		Purpose: "billing_reconcile",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.signingKey)
}

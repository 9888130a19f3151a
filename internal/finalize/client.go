// Package finalize is the synchronous transport to the external billing
// authority: it classifies every response and routes every failure,
// transport, schema, or authentication, to a DLQ instance owned by this
// client, never a package-level shared queue.
//
// A direct database write with a fixed in-process retry loop loses
// pending work on crash; an HTTP call against an external authority
// whose failures are durable and externally retryable via Redis Streams
// does not.
package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/decimalstr"
	"github.com/consonant/billing-core/internal/dlq"
	"github.com/consonant/billing-core/internal/metrics"
)

// DefaultTimeout is the synchronous call budget for a finalize attempt.
const DefaultTimeout = 1 * time.Second

// Outcome classifies a finalize attempt's result.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeIdempotent Outcome = "idempotent"
	OutcomeTerminal   Outcome = "terminal"
	OutcomeRetryable  Outcome = "retryable"
)

// Request is a single finalize call's parameters.
type Request struct {
	BillingEntryID  string
	TenantID        string
	ActualCostMicro string
	CorrelationID   string
}

// DLQEnqueuer is the subset of *dlq.Processor a client routes failures
// into. Each finalize client owns its own instance; see dlq's isolation
// guarantee.
type DLQEnqueuer interface {
	Enqueue(ctx context.Context, billingEntryID, tenantID, actualCostMicro, correlationID, reason string) error
}

// Client calls the external billing authority's finalize endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	signingKey []byte
	tokenTTL   time.Duration
	dlq        DLQEnqueuer
	logger     zerolog.Logger
	metrics    *metrics.Registry
}

// Config configures a Client.
type Config struct {
	Endpoint   string
	SigningKey []byte
	TokenTTL   time.Duration
	Timeout    time.Duration
	DLQ        DLQEnqueuer
	Logger     zerolog.Logger
	Metrics    *metrics.Registry
}

// New constructs a finalize Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		signingKey: cfg.SigningKey,
		tokenTTL:   ttl,
		dlq:        cfg.DLQ,
		logger:     cfg.Logger.With().Str("component", "finalize_client").Logger(),
		metrics:    cfg.Metrics,
	}
}

type finalizeBody struct {
	ReservationID   string `json:"reservation_id"`
	TenantID        string `json:"tenant_id"`
	ActualCostMicro string `json:"actual_cost_micro"`
	TraceID         string `json:"trace_id"`
}

// serviceClaims is the short-lived service-to-service token payload
// carried in the authorization header.
type serviceClaims struct {
	jwt.RegisteredClaims
	Purpose       string `json:"purpose"`
	EntryID       string `json:"entry_id"`
	CorrelationID string `json:"correlation_id"`
}

// Finalize performs one synchronous finalize attempt. A nil error means
// the authority accepted the charge (including the 409-idempotent case);
// any other outcome has already been routed to the DLQ and the returned
// error only signals to the caller that the attempt did not succeed
// inline; the caller does not need to do anything further.
func (c *Client) Finalize(ctx context.Context, req Request) (Outcome, error) {
	if !decimalstr.IsValid(req.ActualCostMicro) {
		c.enqueue(ctx, req, "invalid_actual_cost")
		return OutcomeTerminal, fmt.Errorf("finalize: invalid actual_cost_micro %q", req.ActualCostMicro)
	}

	token, err := c.signToken(req)
	if err != nil {
		c.enqueue(ctx, req, "token_generation_failed")
		return OutcomeTerminal, fmt.Errorf("finalize: sign token: %w", err)
	}

	body, err := json.Marshal(finalizeBody{
		ReservationID:   req.BillingEntryID,
		TenantID:        req.TenantID,
		ActualCostMicro: req.ActualCostMicro,
		TraceID:         req.CorrelationID,
	})
	if err != nil {
		c.enqueue(ctx, req, "request_marshal_failed")
		return OutcomeTerminal, fmt.Errorf("finalize: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.enqueue(ctx, req, "request_build_failed")
		return OutcomeTerminal, fmt.Errorf("finalize: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordOutcome(OutcomeRetryable)
		c.enqueue(ctx, req, "network_error")
		return OutcomeRetryable, fmt.Errorf("finalize: call authority: %w", err)
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	return c.classify(ctx, req, resp.StatusCode)
}

func (c *Client) classify(ctx context.Context, req Request, status int) (Outcome, error) {
	switch {
	case status == http.StatusConflict:
		c.recordOutcome(OutcomeIdempotent)
		c.logger.Info().Str("billing_entry_id", req.BillingEntryID).Msg("finalize idempotent: already finalized")
		return OutcomeIdempotent, nil

	case status >= 200 && status < 300:
		c.recordOutcome(OutcomeSuccess)
		return OutcomeSuccess, nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		c.recordOutcome(OutcomeTerminal)
		c.enqueue(ctx, req, fmt.Sprintf("http_%d", status))
		return OutcomeTerminal, fmt.Errorf("finalize: terminal response %d", status)

	case status >= 500:
		c.recordOutcome(OutcomeRetryable)
		c.enqueue(ctx, req, fmt.Sprintf("http_%d", status))
		return OutcomeRetryable, fmt.Errorf("finalize: retryable response %d", status)

	default:
		c.recordOutcome(OutcomeTerminal)
		c.enqueue(ctx, req, fmt.Sprintf("http_%d", status))
		return OutcomeTerminal, fmt.Errorf("finalize: unexpected response %d", status)
	}
}

func (c *Client) enqueue(ctx context.Context, req Request, reason string) {
	if c.dlq == nil {
		c.logger.Error().Str("billing_entry_id", req.BillingEntryID).Str("reason", reason).Msg("no dlq configured, finalize failure dropped")
		return
	}
	if err := c.dlq.Enqueue(ctx, req.BillingEntryID, req.TenantID, req.ActualCostMicro, req.CorrelationID, reason); err != nil {
		c.logger.Error().Err(err).Str("billing_entry_id", req.BillingEntryID).Msg("failed to enqueue finalize failure to dlq")
	}
}

func (c *Client) recordOutcome(o Outcome) {
	if c.metrics != nil {
		c.metrics.FinalizeOutcomes.WithLabelValues(string(o)).Inc()
	}
}

func (c *Client) signToken(req Request) (string, error) {
	now := time.Now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.TenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
		Purpose:       "billing_finalize",
		EntryID:       req.BillingEntryID,
		CorrelationID: req.CorrelationID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingKey)
}

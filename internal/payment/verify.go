package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/consonant/billing-core/internal/metrics"
)

// Reason is one of the fixed verification-failure reason codes. Every
// rejection path fires exactly one of these.
type Reason string

const (
	ReasonNonceNotFound    Reason = "nonce_not_found"
	ReasonHMACInvalid      Reason = "hmac_invalid"
	ReasonBindingMismatch  Reason = "binding_mismatch"
	ReasonPathMismatch     Reason = "path_mismatch"
	ReasonExpired          Reason = "expired"
	ReasonRPCUnreachable   Reason = "rpc_unreachable"
	ReasonTxReverted       Reason = "tx_reverted"
	ReasonPending          Reason = "pending"
	ReasonTransferNotFound Reason = "transfer_not_found"
	ReasonReplayDetected   Reason = "replay_detected"
)

// VerificationError is a rejected verification attempt at a specific
// step, carrying the fixed reason code a caller maps to a 402/503
// response.
type VerificationError struct {
	Reason Reason
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

func reject(reason Reason, err error) *VerificationError {
	return &VerificationError{Reason: reason, Err: err}
}

// Retryable reports whether the caller should surface this as a
// transient (503-class) failure rather than a hard 402 rejection.
// Only rpc_unreachable and pending are retryable.
func (e *VerificationError) Retryable() bool {
	return e.Reason == ReasonRPCUnreachable || e.Reason == ReasonPending
}

// Receipt is the submitted payment proof a client presents against a
// previously issued Challenge.
type Receipt struct {
	TxHash        string
	Nonce         string
	RequestParams RequestParams
	RequestPath   string
	RequestMethod string
	SubmittedHMAC string
}

// VerifiedPayment is the successful outcome of Verify: the canonicalized
// sender recovered from the on-chain Transfer event.
type VerifiedPayment struct {
	SenderAddress string
	TxHash        string
}

// VerifierConfig wires the dependencies the 10-step sequence needs.
type VerifierConfig struct {
	Store            *Store
	Chain            ChainClient
	TokenContract    common.Address
	MinConfirmations uint64
	Logger           zerolog.Logger
	Metrics          *metrics.Registry
}

// Verifier runs the receipt verification sequence described in the
// package doc.
type Verifier struct {
	store            *Store
	chain            ChainClient
	tokenContract    common.Address
	minConfirmations uint64
	logger           zerolog.Logger
	metrics          *metrics.Registry
}

// DefaultMinConfirmations is the confirmation depth step 8 requires
// absent explicit configuration.
const DefaultMinConfirmations = 10

// NewVerifier constructs a Verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	minConf := cfg.MinConfirmations
	if minConf == 0 {
		minConf = DefaultMinConfirmations
	}
	return &Verifier{
		store:            cfg.Store,
		chain:            cfg.Chain,
		tokenContract:    cfg.TokenContract,
		minConfirmations: minConf,
		logger:           cfg.Logger.With().Str("component", "payment_verifier").Logger(),
		metrics:          cfg.Metrics,
	}
}

// Verify runs the strict ten-step verification sequence. It returns the
// canonicalized sender address only once every step, including the final
// atomic consume, has succeeded.
func (v *Verifier) Verify(ctx context.Context, receipt Receipt) (*VerifiedPayment, error) {
	result, verr := v.run(ctx, receipt)
	if verr != nil {
		v.observe(string(verr.Reason))
		v.logger.Warn().Str("reason", string(verr.Reason)).Str("nonce", receipt.Nonce).Msg("payment verification rejected")
		return nil, verr
	}
	return result, nil
}

func (v *Verifier) observe(reason string) {
	if v.metrics != nil {
		v.metrics.VerificationOutcomes.WithLabelValues(reason).Inc()
	}
}

func (v *Verifier) run(ctx context.Context, receipt Receipt) (*VerifiedPayment, *VerificationError) {
	// Step 1: nonce lookup.
	challenge, err := v.store.Get(ctx, receipt.Nonce)
	if err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			return nil, reject(ReasonNonceNotFound, err)
		}
		return nil, reject(ReasonRPCUnreachable, err)
	}

	// Step 2: HMAC, current secret then previous.
	if !v.store.verifyHMAC(challenge, receipt.SubmittedHMAC) {
		return nil, reject(ReasonHMACInvalid, nil)
	}

	// Step 3: request_binding recomputation.
	if requestBinding(receipt.RequestParams) != challenge.RequestBinding {
		return nil, reject(ReasonBindingMismatch, nil)
	}

	// Step 4: path/method comparison.
	if !strings.EqualFold(receipt.RequestPath, challenge.RequestPath) ||
		!strings.EqualFold(receipt.RequestMethod, challenge.RequestMethod) {
		return nil, reject(ReasonPathMismatch, nil)
	}

	// Step 5: expiry.
	if time.Now().UTC().After(challenge.Expiry) {
		return nil, reject(ReasonExpired, nil)
	}

	txHash := common.HexToHash(receipt.TxHash)

	// Step 6: fetch receipt from the chain RPC pool.
	chainReceipt, err := fetchReceipt(ctx, v.chain, txHash)
	if err != nil {
		return nil, reject(ReasonRPCUnreachable, err)
	}

	// Step 7: reverted status.
	if !receiptStatusOK(chainReceipt) {
		return nil, reject(ReasonTxReverted, nil)
	}

	// Step 8: confirmation depth.
	if err := checkConfirmations(ctx, v.chain, chainReceipt, v.minConfirmations); err != nil {
		if errors.Is(err, ErrRPCUnreachable) {
			return nil, reject(ReasonRPCUnreachable, err)
		}
		return nil, reject(ReasonPending, err)
	}

	// Step 9: matching Transfer log.
	recipient := common.HexToAddress(challenge.Recipient)
	amount, ok := new(big.Int).SetString(challenge.AmountMicro, 10)
	if !ok {
		return nil, reject(ReasonTransferNotFound, errors.New("challenge amount_micro is not a valid integer"))
	}
	transferLog, err := findTransfer(chainReceipt, v.tokenContract, recipient, amount)
	if err != nil {
		return nil, reject(ReasonTransferNotFound, err)
	}

	// Step 10: atomic compare-and-set consumption.
	if err := v.store.ConsumeAtomic(ctx, receipt.Nonce, receipt.TxHash); err != nil {
		if errors.Is(err, ErrReplayDetected) {
			return nil, reject(ReasonReplayDetected, err)
		}
		return nil, reject(ReasonRPCUnreachable, err)
	}

	v.observe("success")
	return &VerifiedPayment{
		SenderAddress: transferSender(transferLog),
		TxHash:        receipt.TxHash,
	}, nil
}

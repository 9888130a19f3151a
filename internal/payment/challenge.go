// Package payment implements x402-style pay-per-request verification:
// challenge issuance bound to a request's parameters, and a strict-order
// receipt verification pipeline against an on-chain transfer.
//
// The challenge store reuses the same Redis instance as the rest of the
// service, keyed with a namespaced prefix and a TTL, and the atomic
// consume step encodes its multi-key update as a single Lua script so a
// challenge can never be consumed twice under concurrent requests.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultChallengeTTL is the default window a challenge remains valid.
const DefaultChallengeTTL = 300 * time.Second

// DefaultReplayWindow is how long a consumed tx_hash is remembered to
// reject replays of the same payment.
const DefaultReplayWindow = 24 * time.Hour

const challengeKeyPrefix = "x402:challenge:"
const usedTxKeyPrefix = "x402:usedtx:"

// RequestParams are the bound parameters a challenge commits to.
type RequestParams struct {
	TokenID       string
	ModelID       string
	MaxTokens     string
	RequestPath   string
	RequestMethod string
	Recipient     string // lower-case hex address
	AmountMicro   string // decimal string
}

// Challenge is the server-issued commitment a client must satisfy with an
// on-chain payment.
type Challenge struct {
	Nonce          string    `json:"nonce"`
	Expiry         time.Time `json:"expiry"`
	RequestBinding string    `json:"request_binding"`
	RequestPath    string    `json:"request_path"`
	RequestMethod  string    `json:"request_method"`
	Recipient      string    `json:"recipient"`
	AmountMicro    string    `json:"amount_micro"`
	HMAC           string    `json:"hmac"`
}

// requestBinding hashes the lower-cased, canonically separated bound
// parameters. Lower-casing prevents trivial case-mismatch rejections.
func requestBinding(p RequestParams) string {
	parts := []string{p.TokenID, p.ModelID, p.MaxTokens}
	for i, s := range parts {
		parts[i] = strings.ToLower(s)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// canonicalFields renders every field that feeds the HMAC (everything but
// the HMAC itself) as sorted "key=value" pairs joined by "&", matching the
// "canonical serialization sorts keys and excludes hmac" rule.
func canonicalFields(c *Challenge) string {
	fields := map[string]string{
		"nonce":           c.Nonce,
		"expiry":          fmt.Sprintf("%d", c.Expiry.Unix()),
		"request_binding": c.RequestBinding,
		"request_path":    strings.ToLower(c.RequestPath),
		"request_method":  strings.ToLower(c.RequestMethod),
		"recipient":       strings.ToLower(c.Recipient),
		"amount_micro":    c.AmountMicro,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, "&")
}

func computeHMAC(c *Challenge, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalFields(c)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Store persists challenges and consumed tx_hashes in Redis under the
// x402: namespace. One Store backs every pay-per-request path in a
// process; it holds no customer-identifying state beyond what each
// challenge already carries.
type Store struct {
	rdb          *redis.Client
	secret       []byte
	prevSecret   []byte
	ttl          time.Duration
	replayWindow time.Duration

	consumeScript *redis.Script
}

// NewStore constructs a Store. prevSecret may be nil/empty when no
// rotation is in progress.
func NewStore(rdb *redis.Client, secret, prevSecret []byte, ttl, replayWindow time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if replayWindow <= 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Store{
		rdb:           rdb,
		secret:        secret,
		prevSecret:    prevSecret,
		ttl:           ttl,
		replayWindow:  replayWindow,
		consumeScript: redis.NewScript(consumeLuaScript),
	}
}

// Issue builds a fresh challenge bound to params and stores it.
func (s *Store) Issue(ctx context.Context, params RequestParams) (*Challenge, error) {
	now := time.Now().UTC()
	c := &Challenge{
		Nonce:          uuid.NewString(),
		Expiry:         now.Add(s.ttl),
		RequestBinding: requestBinding(params),
		RequestPath:    params.RequestPath,
		RequestMethod:  params.RequestMethod,
		Recipient:      strings.ToLower(params.Recipient),
		AmountMicro:    params.AmountMicro,
	}
	c.HMAC = computeHMAC(c, s.secret)

	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("payment: marshal challenge: %w", err)
	}
	key := challengeKeyPrefix + c.Nonce
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("payment: store challenge: %w", err)
	}
	return c, nil
}

// ErrChallengeNotFound is returned by Get on a cache miss.
var ErrChallengeNotFound = errors.New("payment: challenge not found")

// Get fetches a challenge by nonce.
func (s *Store) Get(ctx context.Context, nonce string) (*Challenge, error) {
	raw, err := s.rdb.Get(ctx, challengeKeyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: fetch challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("payment: unmarshal challenge: %w", err)
	}
	return &c, nil
}

// verifyHMAC tries the current secret, then the previous secret if
// configured, so a mid-flight secret rotation does not invalidate
// challenges issued under the old key. A non-hex submitted HMAC fails
// safely (returns false, no error).
func (s *Store) verifyHMAC(c *Challenge, submittedHexHMAC string) bool {
	submitted, err := hex.DecodeString(submittedHexHMAC)
	if err != nil {
		return false
	}
	expectedCurrent, err := hex.DecodeString(computeHMAC(c, s.secret))
	if err == nil && hmac.Equal(submitted, expectedCurrent) {
		return true
	}
	if len(s.prevSecret) == 0 {
		return false
	}
	expectedPrev, err := hex.DecodeString(computeHMAC(c, s.prevSecret))
	if err != nil {
		return false
	}
	return hmac.Equal(submitted, expectedPrev)
}

// ErrReplayDetected is returned when the consume compare-and-set finds
// the challenge already consumed or the tx_hash already recorded as used.
var ErrReplayDetected = errors.New("payment: replay detected")

// consumeLuaScript atomically consumes a challenge in a single operation:
// KEYS[1] is the challenge key, KEYS[2] is the used-tx key, ARGV[1] is
// the replay-window TTL in seconds.
const consumeLuaScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'challenge_gone'
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 'replay'
end
redis.call('SET', KEYS[2], '1', 'EX', tonumber(ARGV[1]))
redis.call('DEL', KEYS[1])
return 'ok'
`

// ConsumeAtomic performs the single compare-and-set step that finalizes
// verification: it fails with ErrReplayDetected if the challenge was
// already consumed or the tx_hash already used, and otherwise marks both
// consumed atomically.
func (s *Store) ConsumeAtomic(ctx context.Context, nonce, txHash string) error {
	keys := []string{challengeKeyPrefix + nonce, usedTxKeyPrefix + strings.ToLower(txHash)}
	result, err := s.consumeScript.Run(ctx, s.rdb, keys, int(s.replayWindow.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("payment: consume script: %w", err)
	}
	switch result {
	case "ok":
		return nil
	case "challenge_gone", "replay":
		return ErrReplayDetected
	default:
		return fmt.Errorf("payment: unexpected consume result %v", result)
	}
}

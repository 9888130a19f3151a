// Package pricing resolves a per-model, per-provider cost quote: the
// rate the billing core multiplies against estimated or actual token
// counts. Pricing policy itself (how a rate is set) is out of scope;
// this package only resolves the already-decided rate.
//
// An unbounded sync.Map cache grows for the life of the process, every
// (model, provider) pair it has ever seen staying resident forever. A
// bounded LRU keeps quote lookups fast without that unbounded footprint.
package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds the number of (model, provider) quotes held in
// memory at once.
const DefaultCacheSize = 4096

// Quote is the resolved per-million-token cost for one model/provider
// pair, in the same microdollar unit the rest of the system uses.
type Quote struct {
	Model                     string
	Provider                  string
	InputCostPerMillionMicro  int64
	OutputCostPerMillionMicro int64
}

// ErrQuoteNotFound is returned when no active pricing row exists for the
// requested model/provider.
var ErrQuoteNotFound = errors.New("pricing: quote not found")

type cacheKey struct {
	model    string
	provider string
}

// Resolver resolves quotes against PostgreSQL, backed by a bounded LRU
// cache. One Resolver is shared process-wide; it holds no per-tenant
// state.
type Resolver struct {
	db     *sql.DB
	cache  *lru.Cache[cacheKey, Quote]
	logger zerolog.Logger
}

// New constructs a Resolver. cacheSize <= 0 uses DefaultCacheSize.
func New(db *sql.DB, cacheSize int, logger zerolog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Quote](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("pricing: construct lru cache: %w", err)
	}
	return &Resolver{
		db:     db,
		cache:  cache,
		logger: logger.With().Str("component", "pricing_resolver").Logger(),
	}, nil
}

// Resolve returns the active quote for model/provider, consulting the
// cache first and falling through to PostgreSQL on a miss, matching the
// teacher's GetModelPricing cache-then-query shape.
func (r *Resolver) Resolve(ctx context.Context, model, provider string) (*Quote, error) {
	key := cacheKey{model: model, provider: provider}
	if q, ok := r.cache.Get(key); ok {
		return &q, nil
	}

	var q Quote
	err := r.db.QueryRowContext(ctx, `
		SELECT model_name, provider,
		       input_cost_per_million_tokens, output_cost_per_million_tokens
		FROM model_pricing
		WHERE model_name = $1 AND provider = $2 AND effective_until IS NULL
	`, model, provider).Scan(&q.Model, &q.Provider, &q.InputCostPerMillionMicro, &q.OutputCostPerMillionMicro)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pricing: query quote: %w", err)
	}

	r.cache.Add(key, q)
	return &q, nil
}

// Preload populates the cache with every currently active quote at
// startup. It is best-effort: a failure here is non-fatal, quotes still
// resolve on demand.
func (r *Resolver) Preload(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT model_name, provider,
		       input_cost_per_million_tokens, output_cost_per_million_tokens
		FROM model_pricing
		WHERE effective_until IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("pricing: preload query: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var q Quote
		if err := rows.Scan(&q.Model, &q.Provider, &q.InputCostPerMillionMicro, &q.OutputCostPerMillionMicro); err != nil {
			r.logger.Warn().Err(err).Msg("failed to scan pricing row, skipping")
			continue
		}
		r.cache.Add(cacheKey{model: q.Model, provider: q.Provider}, q)
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("pricing: preload rows: %w", err)
	}

	r.logger.Info().Int("count", count).Msg("pricing cache preloaded")
	return count, nil
}

// EstimateMicro computes the microdollar cost of promptTokens +
// completionTokens against a quote.
func (q *Quote) EstimateMicro(promptTokens, completionTokens int64) int64 {
	input := (promptTokens * q.InputCostPerMillionMicro) / 1_000_000
	output := (completionTokens * q.OutputCostPerMillionMicro) / 1_000_000
	return input + output
}

package pricing_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/consonant/billing-core/internal/pricing"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(zerolog.Nop())
}

func TestResolveCacheMissQueriesThenCaches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"model_name", "provider", "input_cost_per_million_tokens", "output_cost_per_million_tokens"}).
		AddRow("gpt-x", "openai", int64(500), int64(1500))
	mock.ExpectQuery("SELECT model_name, provider").WithArgs("gpt-x", "openai").WillReturnRows(rows)

	r, err := pricing.New(db, 0, discardLogger())
	require.NoError(t, err)

	q, err := r.Resolve(context.Background(), "gpt-x", "openai")
	require.NoError(t, err)
	require.Equal(t, int64(500), q.InputCostPerMillionMicro)

	// Second call must hit the cache, not issue a second query.
	q2, err := r.Resolve(context.Background(), "gpt-x", "openai")
	require.NoError(t, err)
	require.Equal(t, q.OutputCostPerMillionMicro, q2.OutputCostPerMillionMicro)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT model_name, provider").WithArgs("unknown", "openai").WillReturnError(sql.ErrNoRows)

	r, err := pricing.New(db, 0, discardLogger())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "unknown", "openai")
	require.ErrorIs(t, err, pricing.ErrQuoteNotFound)
}

func TestEstimateMicro(t *testing.T) {
	q := pricing.Quote{InputCostPerMillionMicro: 1_000_000, OutputCostPerMillionMicro: 2_000_000}
	require.Equal(t, int64(1_000_000+2*2_000_000), q.EstimateMicro(1_000_000, 2_000_000))
}

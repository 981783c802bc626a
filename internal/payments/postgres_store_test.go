//go:build integration

package payments

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/x402gate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_DuplicateTxHash(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO wrapped_endpoints (id, name, original_url, price_per_request, min_price, max_price, stacks_address, facilitator_url)
		VALUES ('api_pg', 'pg', 'https://example.com', 1, 1, 10, 'ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG', 'https://f.example')`)
	require.NoError(t, err)

	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &Record{TxHash: "0xDEAD", APIID: "api_pg", Amount: 1.25, PayerAddress: "ST1", Status: StatusSuccess, CreatedAt: now}

	require.NoError(t, s.Insert(ctx, rec))
	assert.ErrorIs(t, s.Insert(ctx, rec), ErrDuplicatePayment)

	got, err := s.Get(ctx, "0xdead")
	require.NoError(t, err)
	assert.Equal(t, 1.25, got.Amount)
	assert.True(t, now.Equal(got.CreatedAt))

	rev, err := s.Revenue(ctx, "api_pg", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Revenue{Total: 1.25, PaymentCount: 1, UniquePayers: 1}, rev)
}

//go:build integration

package endpoints

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/x402gate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_CRUDAndCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	now := time.Now().UTC().Truncate(time.Microsecond)
	e := &Endpoint{
		ID: "api_pg", Name: "pg", OriginalURL: "https://example.com",
		PricePerRequest: 1.1, MinPrice: 1, MaxPrice: 10, Network: Testnet,
		StacksAddress: "ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG", FacilitatorURL: "https://f.example",
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Get(ctx, "api_pg")
	require.NoError(t, err)
	assert.Equal(t, 1.1, got.PricePerRequest)
	assert.Equal(t, Testnet, got.Network)

	assert.ErrorIs(t, s.UpdatePrice(ctx, "api_pg", 2, 3), ErrPriceConflict)
	assert.ErrorIs(t, s.UpdatePrice(ctx, "api_none", 1.1, 3), ErrNotFound)
	assert.ErrorIs(t, s.UpdatePrice(ctx, "api_pg", 1.1, 11), ErrInvalidPriceBounds, "CHECK constraint")
	require.NoError(t, s.UpdatePrice(ctx, "api_pg", 1.1, 1.234567))

	got, err = s.Get(ctx, "api_pg")
	require.NoError(t, err)
	assert.Equal(t, 1.234567, got.PricePerRequest)

	list, err := s.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "api_pg"))
	_, err = s.Get(ctx, "api_pg")
	assert.ErrorIs(t, err, ErrNotFound)
}

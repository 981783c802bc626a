//go:build integration

package requestlog

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/x402gate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_AppendAndStats(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO wrapped_endpoints (id, name, original_url, price_per_request, min_price, max_price, stacks_address, facilitator_url)
		VALUES ('api_pg', 'pg', 'https://example.com', 1, 1, 10, 'ST3AW560S3EET4NNSC3NG9N6CPNMPGASTMKWX11KG', 'https://f.example')`)
	require.NoError(t, err)

	s := NewPostgresStore(db)
	now := time.Now().UTC()
	e := &Entry{ID: "log_1", APIID: "api_pg", Success: true, ResponseMs: 40, StatusCode: 200, CreatedAt: now}
	require.NoError(t, s.Append(ctx, e))
	require.NoError(t, s.Append(ctx, e), "replayed entry is ignored")
	require.NoError(t, s.Append(ctx, &Entry{ID: "log_2", APIID: "api_pg", ResponseMs: 60, StatusCode: 502, CreatedAt: now}))

	st, err := s.Stats(ctx, "api_pg", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Successful)
	assert.InDelta(t, 50, st.AvgResponseMs, 1e-6)
}

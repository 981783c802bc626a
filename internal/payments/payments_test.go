package payments

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/x402gate/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_InsertOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := &Record{TxHash: "0xABC", APIID: "api_1", Amount: 1, PayerAddress: "ST1", Status: StatusSuccess, CreatedAt: time.Now()}

	require.NoError(t, s.Insert(ctx, rec))
	assert.ErrorIs(t, s.Insert(ctx, rec), ErrDuplicatePayment)

	lower := *rec
	lower.TxHash = "0xabc"
	assert.ErrorIs(t, s.Insert(ctx, &lower), ErrDuplicatePayment, "tx hashes compare case-insensitively")

	got, err := s.Get(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "api_1", got.APIID)

	_, err = s.Get(ctx, "0xother")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ConcurrentInsertExactlyOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Insert(ctx, &Record{TxHash: "0xsame", APIID: "api_1"}); err == nil {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

func TestMemoryStore_Revenue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, r := range []*Record{
		{TxHash: "0x1", APIID: "api_1", Amount: 1.5, PayerAddress: "ST1", CreatedAt: now},
		{TxHash: "0x2", APIID: "api_1", Amount: 2, PayerAddress: "ST1", CreatedAt: now.Add(-time.Hour)},
		{TxHash: "0x3", APIID: "api_1", Amount: 4, PayerAddress: "ST2", CreatedAt: now.Add(-48 * time.Hour)},
		{TxHash: "0x4", APIID: "api_2", Amount: 9, PayerAddress: "ST3", CreatedAt: now},
	} {
		require.NoError(t, s.Insert(ctx, r))
	}

	all, err := s.Revenue(ctx, "api_1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Revenue{Total: 7.5, PaymentCount: 3, UniquePayers: 2}, all)

	recent, err := s.Revenue(ctx, "api_1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Revenue{Total: 3.5, PaymentCount: 2, UniquePayers: 1}, recent)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Insert(context.Context, *Record) error { return errors.New("connection reset") }

func TestGuard_Outcomes(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "info", "text")
	ctx := context.Background()

	g := NewGuard(NewMemoryStore(), logger)
	assert.Equal(t, Recorded, g.Record(ctx, "api_1", "0xfeed", "ST1", 1))
	assert.Equal(t, Duplicate, g.Record(ctx, "api_1", "0xfeed", "ST1", 1))
	assert.Contains(t, buf.String(), "level=INFO msg=\"duplicate payment transaction, skipping insert\"")

	rec, err := g.Store().Get(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)

	failing := NewGuard(failingStore{NewMemoryStore()}, logger)
	assert.Equal(t, Failed, failing.Record(ctx, "api_1", "0xbeef", "ST1", 1))
	assert.Contains(t, buf.String(), "level=WARN msg=\"failed to record payment\"")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "recorded", Recorded.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "failed", Failed.String())
}

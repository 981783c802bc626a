package payments

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	key := strings.ToLower(rec.TxHash)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return ErrDuplicatePayment
	}
	cp := *rec
	m.records[key] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, txHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Revenue(_ context.Context, apiID string, since time.Time) (Revenue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out Revenue
	payers := make(map[string]struct{})
	for _, rec := range m.records {
		if rec.APIID != apiID || rec.CreatedAt.Before(since) {
			continue
		}
		out.Total += rec.Amount
		out.PaymentCount++
		payers[rec.PayerAddress] = struct{}{}
	}
	out.UniquePayers = len(payers)
	return out, nil
}

package endpoints

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/x402gate/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, e *Endpoint) error {
	if !e.InBounds() {
		return ErrInvalidPriceBounds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.endpoints[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, after *pagination.Cursor, limit int) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Endpoint
	for _, e := range m.endpoints {
		if after.After(e.CreatedAt, e.ID) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, e *Endpoint) error {
	if !e.InBounds() {
		return ErrInvalidPriceBounds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.endpoints[e.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePrice(_ context.Context, id string, expectedOld, newPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	if e.PricePerRequest != expectedOld {
		return ErrPriceConflict
	}
	if newPrice < e.MinPrice || newPrice > e.MaxPrice {
		return ErrInvalidPriceBounds
	}
	e.PricePerRequest = newPrice
	e.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	return nil
}

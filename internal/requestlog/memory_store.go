package requestlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, apiID string, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		out   Stats
		total int64
	)
	for _, e := range m.entries {
		if e.APIID != apiID || e.CreatedAt.Before(since) {
			continue
		}
		out.Total++
		if e.Success {
			out.Successful++
		}
		total += e.ResponseMs
	}
	if out.Total > 0 {
		out.AvgResponseMs = float64(total) / float64(out.Total)
	}
	return out, nil
}

// Entries returns a copy of every stored entry, oldest first.
func (m *MemoryStore) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

package automation

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/x402gate/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	decisions []*Decision
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func copyRule(r *Rule) *Rule {
	cp := *r
	cp.Triggers = append([]EventType(nil), r.Triggers...)
	cp.Actions = append(Actions(nil), r.Actions...)
	return &cp
}

func (m *MemoryStore) CreateRule(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = copyRule(r)
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, apiID, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok || r.APIID != apiID {
		return nil, ErrRuleNotFound
	}
	return copyRule(r), nil
}

func (m *MemoryStore) list(apiID string, enabledOnly bool) []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for _, r := range m.rules {
		if r.APIID == apiID && (!enabledOnly || r.Enabled) {
			out = append(out, copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListRules(_ context.Context, apiID string) ([]*Rule, error) {
	return m.list(apiID, false), nil
}

func (m *MemoryStore) EnabledRules(_ context.Context, apiID string) ([]*Rule, error) {
	return m.list(apiID, true), nil
}

func (m *MemoryStore) SetRuleEnabled(_ context.Context, apiID, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.APIID != apiID {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	return nil
}

func (m *MemoryStore) DeleteRule(_ context.Context, apiID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.APIID != apiID {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) AppendDecision(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *MemoryStore) ListDecisions(_ context.Context, apiID string, after *pagination.Cursor, limit int) ([]*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Decision
	for _, d := range m.decisions {
		if d.APIID == apiID && after.After(d.CreatedAt, d.ID) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

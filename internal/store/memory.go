package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Store backed by a map.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	saves   int
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Load returns every record sorted by key.
func (m *Memory) Load(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Save(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if cur, ok := m.records[r.Key]; ok && cur.UpdatedAt.After(r.UpdatedAt) {
			continue
		}
		m.records[r.Key] = r
	}
	m.saves++
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.records, k)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Saves returns how many Save calls succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

var _ Store = (*Memory)(nil)

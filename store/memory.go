package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-memory table backend. It is the default when no
// persistent backend is configured and is also what the tests run on.
// Thread-safe for concurrent readers and writers.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memoryTable)}
}

// Open returns the named table, creating it if needed.
func (s *MemoryStore) Open(_ context.Context, name string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		t = &memoryTable{rows: make(map[string]Row)}
		s.tables[name] = t
	}
	return t, nil
}

// List returns all table names in sorted order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Persistent reports false: rows do not survive the process.
func (s *MemoryStore) Persistent() bool { return false }

// Close drops all tables.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]*memoryTable)
	return nil
}

type memoryTable struct {
	mu   sync.RWMutex
	rows map[string]Row
}

func (t *memoryTable) Get(_ context.Context, key string) (Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	if !ok {
		return Row{}, ErrRowNotFound
	}
	// Copy the value so callers can't mutate stored bytes.
	row.Value = append([]byte(nil), row.Value...)
	return row, nil
}

func (t *memoryTable) Set(_ context.Context, row Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row.Value = append([]byte(nil), row.Value...)
	t.rows[row.Key] = row
	return nil
}

func (t *memoryTable) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, key)
	return nil
}

func (t *memoryTable) Touch(_ context.Context, key string, touched int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.rows[key]; ok {
		row.Touched = touched
		t.rows[key] = row
	}
	return nil
}

func (t *memoryTable) Scan(_ context.Context, fn func(key string, touched, size int64) error) error {
	t.mu.RLock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	triples := make([]Row, 0, len(keys))
	for _, k := range keys {
		triples = append(triples, t.rows[k])
	}
	t.mu.RUnlock()

	for _, row := range triples {
		if err := fn(row.Key, row.Touched, row.Size); err != nil {
			return err
		}
	}
	return nil
}

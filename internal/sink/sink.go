// Package sink defines where flattened row-sets go. Implementations live in
// csvdir (files) and dbsink (storage.Repository).
package sink

import (
	"context"
	"sync"

	"asanaetl/internal/mapping"
)

// Sink receives row-sets. Write may be called concurrently, including for the
// same row-set name; implementations serialize per name.
type Sink interface {
	Write(ctx context.Context, rs mapping.RowSet) error
	Close() error
}

// Memory keeps every written row-set. Used by tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	writes []mapping.RowSet
	closed bool
}

func (m *Memory) Write(_ context.Context, rs mapping.RowSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, rs)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Writes returns a copy of the row-sets written so far, in write order.
func (m *Memory) Writes() []mapping.RowSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mapping.RowSet(nil), m.writes...)
}

// Rows returns every row written under name.
func (m *Memory) Rows(name string) []mapping.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mapping.Record
	for _, rs := range m.writes {
		if rs.Name == name {
			out = append(out, rs.Rows...)
		}
	}
	return out
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Locks hands out one mutex per name.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// For returns the mutex for name, creating it on first use.
func (l *Locks) For(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

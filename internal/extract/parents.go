package extract

import "sync"

// ParentRecord is a fetched record that parameterizes child requests.
type ParentRecord struct {
	GID string

	// Forbidden holds child kinds that must not be fetched for this record.
	Forbidden map[string]bool
}

// Allows reports whether kind may be fetched under this record.
func (p ParentRecord) Allows(kind string) bool {
	return !p.Forbidden[kind]
}

// ParentStore collects ParentRecords per kind for the duration of one run.
// Add is called concurrently while a level runs; List is called only after
// that level completed.
type ParentStore interface {
	Add(kind string, recs ...ParentRecord)
	List(kind string) []ParentRecord
}

// MemoryParents is the in-memory ParentStore.
type MemoryParents struct {
	mu     sync.Mutex
	byKind map[string][]ParentRecord
}

// NewMemoryParents returns an empty store.
func NewMemoryParents() *MemoryParents {
	return &MemoryParents{byKind: map[string][]ParentRecord{}}
}

func (m *MemoryParents) Add(kind string, recs ...ParentRecord) {
	if len(recs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKind[kind] = append(m.byKind[kind], recs...)
}

// List returns a copy of the records stored under kind.
func (m *MemoryParents) List(kind string) []ParentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ParentRecord(nil), m.byKind[kind]...)
}

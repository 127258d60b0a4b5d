// Package storage is the backend-agnostic table layer behind the database
// sink. Backends live in sub-packages and register themselves from init();
// import storage/all to get every backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	// Kind is the registered backend name ("sqlite", "postgres", "mssql").
	Kind string

	// DSN is passed through to the backend driver.
	DSN string

	// Schema optionally qualifies every table. Ignored by sqlite.
	Schema string
}

// Table describes a flat table whose columns all hold text.
type Table struct {
	Name       string
	Columns    []string
	PrimaryKey []string
}

// Repository writes flat text rows. Every method is safe for concurrent use.
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	// EnsureTable creates t if missing and adds any columns it lacks. The
	// primary key of an existing table is never changed.
	EnsureTable(ctx context.Context, t Table) error

	// Truncate removes every row of table.
	Truncate(ctx context.Context, table string) error

	// UpsertRows writes rows aligned with t.Columns. With a primary key, rows
	// replace existing rows with the same key and duplicate keys inside rows
	// collapse to the last occurrence; without one they are appended.
	UpsertRows(ctx context.Context, t Table, rows [][]any) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available under kind. It panics on an empty kind,
// a nil factory, or a duplicate registration.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a repository with the backend registered under cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in lexical order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

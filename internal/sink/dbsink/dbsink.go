// Package dbsink loads row-sets into a storage.Repository. Every value is
// stored as text; table and column names are folded with
// storage.NormalizeIdent.
package dbsink

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"asanaetl/internal/mapping"
	"asanaetl/internal/sink"
	"asanaetl/internal/storage"
)

// ManifestTable records how each loaded table was written.
const ManifestTable = "_manifest"

var manifestTable = storage.Table{
	Name:       ManifestTable,
	Columns:    []string{"table_name", "incremental", "primary_key", "run_id", "loaded_at"},
	PrimaryKey: []string{"table_name"},
}

// Options configures a Sink.
type Options struct {
	// RunID is written to the manifest row of every table.
	RunID string

	Now    func() time.Time
	Logger *log.Logger
}

// Sink writes row-sets through a repository. The first write of a name
// prepares its table: ensure, truncate unless incremental, record manifest.
type Sink struct {
	repo  storage.Repository
	opts  Options
	locks sink.Locks

	mu       sync.Mutex
	prepared map[string]bool
}

var _ sink.Sink = (*Sink)(nil)

// New ensures the manifest table and returns a sink that owns repo.
func New(ctx context.Context, repo storage.Repository, opts Options) (*Sink, error) {
	if repo == nil {
		return nil, fmt.Errorf("dbsink: nil repository")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := repo.EnsureTable(ctx, manifestTable); err != nil {
		return nil, fmt.Errorf("dbsink: %w", err)
	}
	return &Sink{repo: repo, opts: opts, prepared: map[string]bool{}}, nil
}

func (s *Sink) logger() *log.Logger {
	if s.opts.Logger != nil {
		return s.opts.Logger
	}
	return log.Default()
}

// TableFor converts a row-set into its normalized table definition.
func TableFor(rs mapping.RowSet) (storage.Table, error) {
	t := storage.Table{Name: storage.NormalizeIdent(rs.Name)}

	seen := make(map[string]string, len(rs.Columns))
	for _, c := range rs.Columns {
		n := storage.NormalizeIdent(c)
		if prev, dup := seen[n]; dup {
			return storage.Table{}, fmt.Errorf("dbsink: %s: columns %q and %q both map to %q", rs.Name, prev, c, n)
		}
		seen[n] = c
		t.Columns = append(t.Columns, n)
	}
	for _, k := range rs.PrimaryKey {
		t.PrimaryKey = append(t.PrimaryKey, storage.NormalizeIdent(k))
	}
	return t, nil
}

func (s *Sink) Write(ctx context.Context, rs mapping.RowSet) error {
	t, err := TableFor(rs)
	if err != nil {
		return err
	}

	mu := s.locks.For(t.Name)
	mu.Lock()
	defer mu.Unlock()

	if err := s.prepare(ctx, t, rs); err != nil {
		return err
	}
	if len(rs.Rows) == 0 {
		return nil
	}

	if _, err := s.repo.UpsertRows(ctx, t, rs.Values()); err != nil {
		return fmt.Errorf("dbsink: write %s: %w", t.Name, err)
	}
	return nil
}

// prepare runs once per table per sink. Callers hold the table's lock.
func (s *Sink) prepare(ctx context.Context, t storage.Table, rs mapping.RowSet) error {
	s.mu.Lock()
	done := s.prepared[t.Name]
	s.mu.Unlock()
	if done {
		return nil
	}

	if err := s.repo.EnsureTable(ctx, t); err != nil {
		return fmt.Errorf("dbsink: %w", err)
	}
	if !rs.Incremental {
		if err := s.repo.Truncate(ctx, t.Name); err != nil {
			return fmt.Errorf("dbsink: %w", err)
		}
		s.logger().Printf("dbsink: %s: full load, table truncated", t.Name)
	}

	row := []any{
		t.Name,
		strconv.FormatBool(rs.Incremental),
		strings.Join(t.PrimaryKey, ","),
		s.opts.RunID,
		s.opts.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.repo.UpsertRows(ctx, manifestTable, [][]any{row}); err != nil {
		return fmt.Errorf("dbsink: manifest %s: %w", t.Name, err)
	}

	s.mu.Lock()
	s.prepared[t.Name] = true
	s.mu.Unlock()
	return nil
}

// Close closes the repository.
func (s *Sink) Close() error {
	s.repo.Close()
	return nil
}

// Package csvdir writes each row-set to <dir>/<name>.csv with a
// <name>.csv.manifest describing how a loader should treat it.
package csvdir

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"asanaetl/internal/mapping"
	"asanaetl/internal/sink"
)

// Manifest is the JSON written next to every CSV file.
type Manifest struct {
	Incremental bool     `json:"incremental"`
	PrimaryKey  []string `json:"primary_key"`
}

// Sink appends rows to CSV files. A header is written when a file is created
// or empty. Files are opened per write so a crash never leaves buffered rows.
type Sink struct {
	dir   string
	locks sink.Locks

	mu       sync.Mutex
	manifest map[string]bool
}

var _ sink.Sink = (*Sink)(nil)

// New creates dir if needed.
func New(dir string) (*Sink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("csvdir: output dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("csvdir: %w", err)
	}
	return &Sink{dir: dir, manifest: map[string]bool{}}, nil
}

// Path returns the CSV path for a row-set name.
func (s *Sink) Path(name string) string {
	return filepath.Join(s.dir, fileName(name)+".csv")
}

func (s *Sink) Write(ctx context.Context, rs mapping.RowSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rs.Name == "" {
		return fmt.Errorf("csvdir: row-set without name")
	}

	mu := s.locks.For(rs.Name)
	mu.Lock()
	defer mu.Unlock()

	if err := s.writeManifest(rs); err != nil {
		return err
	}
	return s.appendRows(rs)
}

func (s *Sink) appendRows(rs mapping.RowSet) error {
	path := s.Path(rs.Name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("csvdir: open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("csvdir: stat %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(rs.Columns); err != nil {
			_ = f.Close()
			return fmt.Errorf("csvdir: header %s: %w", path, err)
		}
	}

	rec := make([]string, len(rs.Columns))
	for _, r := range rs.Rows {
		for i, c := range rs.Columns {
			rec[i] = r[c]
		}
		if err := w.Write(rec); err != nil {
			_ = f.Close()
			return fmt.Errorf("csvdir: write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csvdir: flush %s: %w", path, err)
	}
	return f.Close()
}

// writeManifest writes the manifest once per name per sink.
func (s *Sink) writeManifest(rs mapping.RowSet) error {
	s.mu.Lock()
	done := s.manifest[rs.Name]
	s.mu.Unlock()
	if done {
		return nil
	}

	pk := rs.PrimaryKey
	if pk == nil {
		pk = []string{}
	}
	b, err := json.Marshal(Manifest{Incremental: rs.Incremental, PrimaryKey: pk})
	if err != nil {
		return err
	}
	path := s.Path(rs.Name) + ".manifest"
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("csvdir: manifest %s: %w", path, err)
	}

	s.mu.Lock()
	s.manifest[rs.Name] = true
	s.mu.Unlock()
	return nil
}

// Close is a no-op; files are closed after every write.
func (s *Sink) Close() error { return nil }

// fileName keeps row-set names from escaping dir.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}

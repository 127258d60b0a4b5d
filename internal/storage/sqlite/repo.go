// Package sqlite is the SQLite storage backend (modernc.org/sqlite, no cgo).
//
// The repository holds a single connection: SQLite serializes writers anyway,
// and one connection keeps ":memory:" databases coherent across calls.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"asanaetl/internal/storage"
)

// maxParams stays well under SQLITE_MAX_VARIABLE_NUMBER (32766).
const maxParams = 30000

// Repo implements storage.Repository for SQLite.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens cfg.DSN (a file path or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: busy_timeout: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable creates the table when missing, then adds columns the existing
// table lacks.
func (r *Repo) EnsureTable(ctx context.Context, t storage.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(t)); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}

	have, err := r.columns(ctx, t.Name)
	if err != nil {
		return err
	}
	for _, c := range t.Columns {
		if have[c] {
			continue
		}
		q := "ALTER TABLE " + sqlIdent(t.Name) + " ADD COLUMN " + sqlIdent(c) + " TEXT"
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", t.Name, c, err)
		}
	}
	return nil
}

func (r *Repo) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// Truncate deletes every row; SQLite has no TRUNCATE statement.
func (r *Repo) Truncate(ctx context.Context, table string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM "+sqlIdent(table)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

// UpsertRows writes rows in one transaction, chunked to the parameter limit.
func (r *Repo) UpsertRows(ctx context.Context, t storage.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	rows, err := storage.DedupeByKey(t.Columns, rows, t.PrimaryKey)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, chunk := range storage.Chunk(rows, len(t.Columns), maxParams) {
		q, args := buildUpsertSQL(t, chunk)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("upsert %s: %w", t.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func buildCreateSQL(t storage.Table) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" TEXT")
	}
	if len(t.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(joinIdents(t.PrimaryKey))
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

// buildUpsertSQL renders a multi-row INSERT. With a primary key it becomes
// INSERT ... ON CONFLICT (pk) DO UPDATE SET c = excluded.c.
func buildUpsertSQL(t storage.Table, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(t.Columns))
	b.WriteString(") VALUES ")

	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(t.Columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(t.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	if len(t.PrimaryKey) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(t.PrimaryKey))
		b.WriteString(")")
		rest := storage.NonKeyColumns(t.Columns, t.PrimaryKey)
		if len(rest) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			for i, c := range rest {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(sqlIdent(c))
				b.WriteString(" = excluded.")
				b.WriteString(sqlIdent(c))
			}
		}
	}
	return b.String(), args
}

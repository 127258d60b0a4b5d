// Package postgres is the PostgreSQL storage backend (pgx/v5 pool).
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asanaetl/internal/storage"
)

// maxParams stays under the protocol limit of 65535 bind parameters.
const maxParams = 60000

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool   *pgxpool.Pool
	schema string
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, schema: cfg.Schema}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTable creates the schema and table when missing and adds any columns
// the table lacks.
func (r *Repo) EnsureTable(ctx context.Context, t storage.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, q := range buildEnsureSQL(r.schema, t) {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Truncate empties table.
func (r *Repo) Truncate(ctx context.Context, table string) error {
	if _, err := r.pool.Exec(ctx, "TRUNCATE TABLE "+tableIdent(r.schema, table)); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	return nil
}

// UpsertRows writes rows in one transaction, chunked to the parameter limit.
func (r *Repo) UpsertRows(ctx context.Context, t storage.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	// ON CONFLICT DO UPDATE cannot touch the same row twice in one statement.
	rows, err := storage.DedupeByKey(t.Columns, rows, t.PrimaryKey)
	if err != nil {
		return 0, err
	}

	var total int64
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, chunk := range storage.Chunk(rows, len(t.Columns), maxParams) {
			q, args := buildUpsertSQL(r.schema, t, chunk)
			tag, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return err
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", t.Name, err)
	}
	return total, nil
}

func pgIdent(id string) string {
	return pgx.Identifier{id}.Sanitize()
}

func tableIdent(schema, table string) string {
	if schema == "" {
		return pgIdent(table)
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

// buildEnsureSQL returns the idempotent DDL statements for t, in order.
func buildEnsureSQL(schema string, t storage.Table) []string {
	var stmts []string
	if schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(schema))
	}

	name := tableIdent(schema, t.Name)

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(name)
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
		b.WriteString(" TEXT")
	}
	if len(t.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(joinIdents(t.PrimaryKey))
		b.WriteString(")")
	}
	b.WriteString(")")
	stmts = append(stmts, b.String())

	b.Reset()
	b.WriteString("ALTER TABLE ")
	b.WriteString(name)
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(" ADD COLUMN IF NOT EXISTS ")
		b.WriteString(pgIdent(c))
		b.WriteString(" TEXT")
	}
	stmts = append(stmts, b.String())

	return stmts
}

// buildUpsertSQL renders INSERT ... ON CONFLICT (pk) DO UPDATE with numbered
// placeholders. Pure, so it is tested without a database.
func buildUpsertSQL(schema string, t storage.Table, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(schema, t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(t.Columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(t.Columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
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
				b.WriteString(pgIdent(c))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(pgIdent(c))
			}
		}
	}
	return b.String(), args
}

// Package mssql is the Microsoft SQL Server storage backend.
//
// This package does not import a driver; it opens database/sql with the
// "sqlserver" driver name, which storage/all registers by importing
// github.com/microsoft/go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"asanaetl/internal/storage"
)

const (
	// maxParams stays under SQL Server's 2100 parameters per request.
	maxParams = 2000

	// keyType bounds primary-key columns so composite keys fit an index.
	keyType   = "NVARCHAR(200)"
	valueType = "NVARCHAR(MAX)"
)

// Repo implements storage.Repository for SQL Server. Upserts use MERGE.
type Repo struct {
	db     dbConn
	schema string
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, schema: cfg.Schema}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) qualified(table string) string {
	if r.schema == "" {
		return table
	}
	return r.schema + "." + table
}

// EnsureTable creates the table when missing, then adds absent columns.
func (r *Repo) EnsureTable(ctx context.Context, t storage.Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	name := r.qualified(t.Name)

	if r.schema != "" {
		if _, err := r.db.ExecContext(ctx, buildCreateSchemaSQL(r.schema)); err != nil {
			return fmt.Errorf("create schema %s: %w", r.schema, err)
		}
	}
	if _, err := r.db.ExecContext(ctx, buildCreateSQL(name, t)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	have, err := r.db.QueryStrings(ctx, "SELECT name FROM sys.columns WHERE object_id = OBJECT_ID(@p1)", name)
	if err != nil {
		return fmt.Errorf("list columns %s: %w", name, err)
	}
	if q := buildAddColumnsSQL(name, t, have); q != "" {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add columns %s: %w", name, err)
		}
	}
	return nil
}

// Truncate empties table.
func (r *Repo) Truncate(ctx context.Context, table string) error {
	name := r.qualified(table)
	if _, err := r.db.ExecContext(ctx, "TRUNCATE TABLE "+mssqlTableIdent(name)); err != nil {
		return fmt.Errorf("truncate %s: %w", name, err)
	}
	return nil
}

// UpsertRows MERGEs rows by primary key inside one transaction; without a key
// it bulk-inserts.
func (r *Repo) UpsertRows(ctx context.Context, t storage.Table, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	// MERGE fails when two source rows match the same target row.
	rows, err := storage.DedupeByKey(t.Columns, rows, t.PrimaryKey)
	if err != nil {
		return 0, err
	}
	name := r.qualified(t.Name)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var total int64
	for _, chunk := range storage.Chunk(rows, len(t.Columns), maxParams) {
		var q string
		var args []any
		if len(t.PrimaryKey) == 0 {
			q, args = buildBulkInsertSQL(name, t.Columns, chunk)
		} else {
			q, args = buildMergeSQL(name, t, chunk)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("upsert %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return total, nil
}

func buildCreateSchemaSQL(schema string) string {
	return fmt.Sprintf(
		"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
		strings.ReplaceAll(schema, "'", "''"),
		strings.ReplaceAll(mssqlIdent(schema), "'", "''"),
	)
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard; SQL Server has no
// CREATE TABLE IF NOT EXISTS.
func buildCreateSQL(name string, t storage.Table) string {
	isKey := make(map[string]bool, len(t.PrimaryKey))
	for _, k := range t.PrimaryKey {
		isKey[k] = true
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if isKey[c] {
			defs = append(defs, mssqlIdent(c)+" "+keyType+" NOT NULL")
		} else {
			defs = append(defs, mssqlIdent(c)+" "+valueType+" NULL")
		}
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+joinIdents(t.PrimaryKey)+")")
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(name, "'", "''"),
		mssqlTableIdent(name),
		strings.Join(defs, ", "),
	)
}

// buildAddColumnsSQL returns one ALTER TABLE adding the columns of t missing
// from have, or "" when nothing is missing. Added columns are nullable.
func buildAddColumnsSQL(name string, t storage.Table, have []string) string {
	present := make(map[string]bool, len(have))
	for _, h := range have {
		present[strings.ToLower(h)] = true
	}

	var add []string
	for _, c := range t.Columns {
		if !present[strings.ToLower(c)] {
			add = append(add, mssqlIdent(c)+" "+valueType+" NULL")
		}
	}
	if len(add) == 0 {
		return ""
	}
	return "ALTER TABLE " + mssqlTableIdent(name) + " ADD " + strings.Join(add, ", ")
}

// writeValues appends "(@p1, @p2), (@p3, @p4)" and returns the bound args.
func writeValues(b *strings.Builder, width int, rows [][]any) []any {
	args := make([]any, 0, len(rows)*width)
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

func buildBulkInsertSQL(name string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(name))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")
	args := writeValues(&b, len(columns), rows)
	return b.String(), args
}

// buildMergeSQL renders:
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS tgt
//	USING (VALUES (...), (...)) AS src ([a], [b])
//	ON tgt.[a] = src.[a]
//	WHEN MATCHED THEN UPDATE SET tgt.[b] = src.[b]
//	WHEN NOT MATCHED THEN INSERT ([a], [b]) VALUES (src.[a], src.[b]);
func buildMergeSQL(name string, t storage.Table, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(name))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")
	args := writeValues(&b, len(t.Columns), rows)
	b.WriteString(") AS src (")
	b.WriteString(joinIdents(t.Columns))
	b.WriteString(") ON ")
	for i, k := range t.PrimaryKey {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("tgt." + mssqlIdent(k) + " = src." + mssqlIdent(k))
	}

	if rest := storage.NonKeyColumns(t.Columns, t.PrimaryKey); len(rest) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range rest {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("tgt." + mssqlIdent(c) + " = src." + mssqlIdent(c))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdents(t.Columns))
	b.WriteString(") VALUES (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("src." + mssqlIdent(c))
	}
	b.WriteString(");")
	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name:
// "dbo.tasks" -> [dbo].[tasks].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is the slice of *sql.DB this package uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryStrings(ctx context.Context, query string, args ...any) ([]string, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is the slice of *sql.Tx this package uses.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// QueryStrings returns the first column of every row.
func (s *sqlDB) QueryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return s.db.BeginTx(ctx, opts)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)

package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"asanaetl/internal/storage"
)

func openTemp(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "out.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func selectAll(t *testing.T, r *Repo, q string) [][]string {
	t.Helper()
	rows, err := r.db.Query(q)
	if err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	defer rows.Close()

	cols, _ := rows.Columns()
	var out [][]string
	for rows.Next() {
		vals := make([]string, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, vals)
	}
	return out
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	tbl := storage.Table{Name: "tasks", Columns: []string{"id", "project_id", "name"}, PrimaryKey: []string{"project_id", "id"}}
	q, args := buildUpsertSQL(tbl, [][]any{{"1", "p", "a"}, {"2", "p", "b"}})

	want := `INSERT INTO "tasks" ("id", "project_id", "name") VALUES (?,?,?), (?,?,?) ON CONFLICT ("project_id", "id") DO UPDATE SET "name" = excluded."name"`
	if q != want {
		t.Fatalf("sql=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 6 || args[5] != "b" {
		t.Fatalf("args=%v", args)
	}

	keyOnly := storage.Table{Name: "m", Columns: []string{"a"}, PrimaryKey: []string{"a"}}
	if q, _ := buildUpsertSQL(keyOnly, [][]any{{"x"}}); !strings.HasSuffix(q, "DO NOTHING") {
		t.Fatalf("key-only table should DO NOTHING: %s", q)
	}
	noKey := storage.Table{Name: "m", Columns: []string{"a"}}
	if q, _ := buildUpsertSQL(noKey, [][]any{{"x"}}); strings.Contains(q, "ON CONFLICT") {
		t.Fatalf("table without key should plain insert: %s", q)
	}
}

func TestRepo_EnsureUpsertTruncate(t *testing.T) {
	t.Parallel()

	r := openTemp(t)
	ctx := context.Background()

	tbl := storage.Table{Name: "tasks", Columns: []string{"id", "name"}, PrimaryKey: []string{"id"}}
	if err := r.EnsureTable(ctx, tbl); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	// Idempotent.
	if err := r.EnsureTable(ctx, tbl); err != nil {
		t.Fatalf("EnsureTable again: %v", err)
	}

	if _, err := r.UpsertRows(ctx, tbl, [][]any{{"1", "a"}, {"2", "b"}, {"1", "a2"}}); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	if _, err := r.UpsertRows(ctx, tbl, [][]any{{"2", "b2"}}); err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}

	got := selectAll(t, r, `SELECT id, name FROM tasks ORDER BY id`)
	if len(got) != 2 || got[0][1] != "a2" || got[1][1] != "b2" {
		t.Fatalf("rows=%v", got)
	}

	// New column appears in a later batch.
	wider := storage.Table{Name: "tasks", Columns: []string{"id", "name", "notes"}, PrimaryKey: []string{"id"}}
	if err := r.EnsureTable(ctx, wider); err != nil {
		t.Fatalf("EnsureTable wider: %v", err)
	}
	if _, err := r.UpsertRows(ctx, wider, [][]any{{"3", "c", "n"}}); err != nil {
		t.Fatalf("UpsertRows wider: %v", err)
	}
	if got := selectAll(t, r, `SELECT notes FROM tasks WHERE id = '3'`); len(got) != 1 || got[0][0] != "n" {
		t.Fatalf("notes=%v", got)
	}

	if err := r.Truncate(ctx, "tasks"); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if got := selectAll(t, r, `SELECT id FROM tasks`); len(got) != 0 {
		t.Fatalf("rows after truncate=%v", got)
	}
}

func TestRepo_AppendWithoutKey(t *testing.T) {
	t.Parallel()

	r := openTemp(t)
	ctx := context.Background()

	tbl := storage.Table{Name: "events", Columns: []string{"v"}}
	if err := r.EnsureTable(ctx, tbl); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.UpsertRows(ctx, tbl, [][]any{{"x"}, {"x"}}); err != nil {
			t.Fatalf("UpsertRows: %v", err)
		}
	}
	if got := selectAll(t, r, `SELECT v FROM events`); len(got) != 4 {
		t.Fatalf("rows=%d, want 4", len(got))
	}
}

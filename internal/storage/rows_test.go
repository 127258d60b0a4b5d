package storage

import (
	"context"
	"testing"
)

func TestNormalizeIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"task_details", "task_details"},
		{"Task Details", "task_details"},
		{"Résumé.Notes", "resume_notes"},
		{"assignee.name", "assignee_name"},
		{"__x__", "x"},
		{"a--b  c", "a_b_c"},
		{"2fa", "_2fa"},
		{"%%%", "_"},
		{"", "_"},
	}
	for _, tc := range tests {
		if got := NormalizeIdent(tc.in); got != tc.want {
			t.Fatalf("NormalizeIdent(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDedupeByKey_KeepsFirstPositionLastValues(t *testing.T) {
	t.Parallel()

	columns := []string{"task_id", "project_id", "name"}
	rows := [][]any{
		{"1", "p", "first"},
		{"2", "p", "other"},
		{"1", "p", "second"},
		{"1", "q", "distinct"},
	}

	got, err := DedupeByKey(columns, rows, []string{"task_id", "project_id"})
	if err != nil {
		t.Fatalf("DedupeByKey: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3", len(got))
	}
	if got[0][2] != "second" || got[1][0] != "2" || got[2][1] != "q" {
		t.Fatalf("unexpected rows: %v", got)
	}

	if _, err := DedupeByKey(columns, rows, []string{"missing"}); err == nil {
		t.Fatalf("expected error for missing key column")
	}
	same, _ := DedupeByKey(columns, rows, nil)
	if len(same) != len(rows) {
		t.Fatalf("no key should keep all rows")
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{i, i}
	}

	got := Chunk(rows, 2, 6)
	if len(got) != 4 || len(got[0]) != 3 || len(got[3]) != 1 {
		t.Fatalf("unexpected chunking: %d chunks", len(got))
	}
	if got := Chunk(rows, 50, 10); len(got) != 10 {
		t.Fatalf("width above limit should still make progress, got %d chunks", len(got))
	}
	if Chunk(nil, 1, 1) != nil {
		t.Fatalf("empty input should give nil")
	}
}

func TestTableValidate(t *testing.T) {
	t.Parallel()

	ok := Table{Name: "t", Columns: []string{"id", "name"}, PrimaryKey: []string{"id"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := []Table{
		{Columns: []string{"a"}},
		{Name: "t"},
		{Name: "t", Columns: []string{"a", "a"}},
		{Name: "t", Columns: []string{"a"}, PrimaryKey: []string{"b"}},
	}
	for i, tb := range bad {
		if err := tb.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if got := NonKeyColumns([]string{"id", "a", "b"}, []string{"id"}); len(got) != 2 || got[0] != "a" {
		t.Fatalf("NonKeyColumns=%v", got)
	}
}

type stubRepo struct{}

func (stubRepo) Close()                                                    {}
func (stubRepo) EnsureTable(context.Context, Table) error                  { return nil }
func (stubRepo) Truncate(context.Context, string) error                    { return nil }
func (stubRepo) UpsertRows(context.Context, Table, [][]any) (int64, error) { return 0, nil }

func TestRegistry(t *testing.T) {
	Register("stub-test", func(ctx context.Context, cfg Config) (Repository, error) { return stubRepo{}, nil })

	if _, err := New(context.Background(), Config{Kind: "stub-test"}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register should panic")
		}
	}()
	Register("stub-test", func(ctx context.Context, cfg Config) (Repository, error) { return stubRepo{}, nil })
}

package mapping

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_PreservesKeyOrder(t *testing.T) {
	t.Parallel()

	reg, err := Load(strings.NewReader(`{"tasks": {
		"zeta": {"type": "column", "mapping": {"destination": "z"}},
		"gid":  {"mapping": {"destination": "id", "primaryKey": true}},
		"alpha.beta": {"type": "column", "mapping": {"destination": "ab", "format": "html_text"}},
		"project_id": {"type": "user", "mapping": {"destination": "project_id"}},
		"memberships": {"type": "table", "destination": "tm", "tableMapping": {
			"section.gid": {"type": "column", "mapping": {"destination": "section_id"}},
			"task_id": {"type": "user", "mapping": {"destination": "task_id"}}
		}}
	}}`))
	require.NoError(t, err)

	set, ok := reg.Set("tasks")
	require.True(t, ok)
	assert.Equal(t, []string{"z", "id", "ab", "project_id"}, set.Columns())
	assert.Equal(t, []string{"id", "project_id"}, set.PrimaryKey())
	assert.Equal(t, Column, set.Entries[1].Type)
	assert.Equal(t, FormatHTMLText, set.Entries[2].Format)

	tbl := set.Entries[4]
	require.Equal(t, Table, tbl.Type)
	assert.Equal(t, "tm", tbl.TableName)
	assert.Equal(t, []string{"section_id", "task_id"}, tbl.Table.Columns())
}

func TestLoad_RejectsBadEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"not_object", `{"t": []}`},
		{"unknown_type", `{"t": {"a": {"type": "blob", "mapping": {"destination": "a"}}}}`},
		{"column_without_destination", `{"t": {"a": {"type": "column"}}}`},
		{"user_without_destination", `{"t": {"a": {"type": "user", "mapping": {}}}}`},
		{"table_without_destination", `{"t": {"a": {"type": "table", "tableMapping": {}}}}`},
		{"table_without_mapping", `{"t": {"a": {"type": "table", "destination": "x"}}}`},
		{"bad_format", `{"t": {"a": {"mapping": {"destination": "a", "format": "xml"}}}}`},
		{"empty_registry", `{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.in))
			require.Error(t, err)
		})
	}
}

func TestDefault_CoversAsanaMappings(t *testing.T) {
	t.Parallel()

	reg, err := Default()
	require.NoError(t, err)

	for _, name := range []string{
		"workspaces", "users", "users_details", "projects", "projects_details",
		"sections", "section_tasks", "tasks", "task_details", "task_subtasks", "task_stories",
	} {
		set, ok := reg.Set(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, set.PrimaryKey(), name)
	}

	details, _ := reg.Set("task_details")
	var tables []string
	for _, e := range details.Entries {
		if e.Type == Table {
			tables = append(tables, e.TableName)
		}
	}
	assert.Contains(t, tables, SnapshotRowSet)
}

func TestEntryLookup_DottedPath(t *testing.T) {
	t.Parallel()

	row := map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}, "x": "flat"}
	assert.Equal(t, "deep", ColumnEntry("a.b.c", "d", false).lookup(row))
	assert.Equal(t, "flat", ColumnEntry("x", "d", false).lookup(row))
	assert.Nil(t, ColumnEntry("a.missing.c", "d", false).lookup(row))
	assert.Nil(t, ColumnEntry("x.y", "d", false).lookup(row))
}

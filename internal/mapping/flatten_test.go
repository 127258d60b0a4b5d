package mapping

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRows(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func taskSet() Set {
	return Set{Entries: []Entry{
		ColumnEntry("gid", "id", true),
		ColumnEntry("name", "name", false),
		TableEntry("memberships", "task_details_memberships", Set{Entries: []Entry{
			UserEntry("task_id", "task_id"),
			ColumnEntry("project.gid", "project_id", false),
			ColumnEntry("section.gid", "section_id", false),
		}}),
	}}
}

func TestFlatten_TaskWithMemberships(t *testing.T) {
	t.Parallel()

	rows := decodeRows(t, `[{"gid":"12345","name":"Buy catnip","memberships":[
		{"project":{"gid":"12345","name":"Stuff to buy"},"section":{"gid":"12345","name":"Next Actions"}}]}]`)

	res := Flattener{}.Flatten(rows, taskSet(), "", "task_details")
	require.Empty(t, res.Issues)
	require.Len(t, res.RowSets, 2)

	top := res.RowSets[0]
	assert.Equal(t, "task_details", top.Name)
	assert.Equal(t, []string{"id", "name"}, top.Columns)
	assert.Equal(t, []string{"id"}, top.PrimaryKey)
	assert.Equal(t, []Record{{"id": "12345", "name": "Buy catnip"}}, top.Rows)

	child := res.RowSets[1]
	assert.Equal(t, "task_details_memberships", child.Name)
	assert.Equal(t, []string{"task_id"}, child.PrimaryKey)
	require.Len(t, child.Rows, 1)
	assert.Equal(t, "12345", child.Rows[0]["task_id"])
	assert.Equal(t, "12345", child.Rows[0]["project_id"])
	assert.Equal(t, "12345", child.Rows[0]["section_id"])
}

func TestFlatten_SingleObjectEqualsOneElementArray(t *testing.T) {
	t.Parallel()

	obj := decodeRows(t, `{"gid":"1","name":"a","memberships":{"project":{"gid":"p"},"section":{"gid":"s"}}}`)
	arr := decodeRows(t, `[{"gid":"1","name":"a","memberships":[{"project":{"gid":"p"},"section":{"gid":"s"}}]}]`)

	f := Flattener{}
	assert.Equal(t, f.Flatten(arr, taskSet(), "", "t"), f.Flatten(obj, taskSet(), "", "t"))
	assert.Len(t, f.Flatten(obj, taskSet(), "", "t").RowSets[1].Rows, 1)
}

func TestFlatten_PrimaryKeyDeduplicated(t *testing.T) {
	t.Parallel()

	set := Set{Entries: []Entry{
		UserEntry("project_id", "project_id"),
		ColumnEntry("gid", "id", true),
		ColumnEntry("alt", "id", true),
		UserEntry("again", "project_id"),
		ColumnEntry("name", "name", false),
	}}
	rows := decodeRows(t, `[{"gid":"1","name":"x"},{"gid":"2","name":"y"}]`)

	for i := 0; i < 3; i++ {
		res := Flattener{}.Flatten(rows, set, "p9", "tasks")
		require.Len(t, res.RowSets, 1)
		assert.Equal(t, []string{"project_id", "id"}, res.RowSets[0].PrimaryKey)
		assert.Equal(t, []string{"project_id", "id", "name"}, res.RowSets[0].Columns)
		assert.Equal(t, "p9", res.RowSets[0].Rows[1]["project_id"])
	}
}

func TestFlatten_MissingPathsAndScalars(t *testing.T) {
	t.Parallel()

	set := Set{Entries: []Entry{
		ColumnEntry("gid", "id", true),
		ColumnEntry("assignee.name", "assignee", false),
		ColumnEntry("completed", "completed", false),
		ColumnEntry("num_likes", "likes", false),
		ColumnEntry("due_on", "due_on", false),
		ColumnEntry("tags", "tags", false),
	}}
	rows := decodeRows(t, `[{"gid":"1","assignee":null,"completed":false,"num_likes":3,"due_on":null,"tags":[{"gid":"t"}]},{}]`)

	res := Flattener{}.Flatten(rows, set, "", "tasks")
	require.Len(t, res.RowSets, 1)
	assert.Equal(t, Record{
		"id":        "1",
		"assignee":  "",
		"completed": "false",
		"likes":     "3",
		"due_on":    "",
		"tags":      `[{"gid":"t"}]`,
	}, res.RowSets[0].Rows[0])
	// Rows without any matching field are still appended.
	assert.Len(t, res.RowSets[0].Rows, 2)
	assert.Equal(t, "", res.RowSets[0].Rows[1]["id"])
}

func TestFlatten_SnapshotStamp(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	f := Flattener{SnapshotRowSet: SnapshotRowSet, Now: func() time.Time { return now }, Incremental: true}

	rows := decodeRows(t, `[{"gid":"1","name":"a","memberships":[{"project":{"gid":"p"}}]}]`)
	set := taskSet()
	set.Entries[2].TableName = SnapshotRowSet

	res := f.Flatten(rows, set, "", "task_details")
	require.Len(t, res.RowSets, 2)

	assert.NotContains(t, res.RowSets[0].Columns, CapturedAtColumn)
	assert.NotContains(t, res.RowSets[0].Rows[0], CapturedAtColumn)

	snap := res.RowSets[1]
	assert.Contains(t, snap.Columns, CapturedAtColumn)
	assert.Equal(t, "2024-03-01T11:00:00Z", snap.Rows[0][CapturedAtColumn])
	assert.True(t, snap.Incremental)
	assert.True(t, res.RowSets[0].Incremental)
}

func TestFlatten_MergesChildRowSetsAcrossRows(t *testing.T) {
	t.Parallel()

	rows := decodeRows(t, `[
		{"gid":"1","memberships":[{"project":{"gid":"a"}},{"project":{"gid":"b"}}]},
		{"gid":"2","memberships":[]},
		{"gid":"3","memberships":{"project":{"gid":"c"}}}]`)

	res := Flattener{}.Flatten(rows, taskSet(), "", "task_details")
	require.Len(t, res.RowSets, 2)

	child := res.RowSets[1]
	require.Len(t, child.Rows, 3)
	assert.Equal(t, []string{"1", "1", "3"}, []string{child.Rows[0]["task_id"], child.Rows[1]["task_id"], child.Rows[2]["task_id"]})
}

func TestFlatten_MissingIdentifierDropsRow(t *testing.T) {
	t.Parallel()

	rows := decodeRows(t, `[{"name":"orphan","memberships":[{"project":{"gid":"a"}}]},{"gid":"2","name":"ok"}]`)

	res := Flattener{}.Flatten(rows, taskSet(), "", "task_details")
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "task_details", res.Issues[0].RowSet)
	assert.Equal(t, 0, res.Issues[0].Row)

	require.Len(t, res.RowSets, 1)
	assert.Equal(t, []Record{{"id": "2", "name": "ok"}}, res.RowSets[0].Rows)
}

func TestFlatten_EmptyInput(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Flattener{}.Flatten(nil, taskSet(), "", "t").RowSets)
	assert.Empty(t, Flattener{}.Flatten([]any{}, taskSet(), "", "t").RowSets)
}

func TestFlatten_HTMLText(t *testing.T) {
	t.Parallel()

	e := ColumnEntry("html_notes", "notes_text", false)
	e.Format = FormatHTMLText
	set := Set{Entries: []Entry{e}}

	rows := decodeRows(t, `[{"html_notes":"<body>Buy <strong>catnip</strong> today</body>"},{"html_notes":null}]`)
	res := Flattener{}.Flatten(rows, set, "", "tasks")
	require.Len(t, res.RowSets, 1)
	assert.Equal(t, "Buy catnip today", res.RowSets[0].Rows[0]["notes_text"])
	assert.Equal(t, "", res.RowSets[0].Rows[1]["notes_text"])
}

func TestRowSet_Values(t *testing.T) {
	t.Parallel()

	rs := RowSet{Columns: []string{"b", "a"}, Rows: []Record{{"a": "1", "b": "2"}, {"a": "3"}}}
	assert.Equal(t, [][]any{{"2", "1"}, {"", "3"}}, rs.Values())
}

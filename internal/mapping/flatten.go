package mapping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// SnapshotRowSet is the task-membership row-set stamped with a capture time.
const SnapshotRowSet = "task_details_memberships"

// CapturedAtColumn is the column added to the snapshot row-set.
const CapturedAtColumn = "captured_at"

// Record is one flat output row: destination column -> rendered value.
type Record map[string]string

// RowSet is a named batch of flat records plus its load metadata.
type RowSet struct {
	Name        string
	Columns     []string
	Rows        []Record
	PrimaryKey  []string
	Incremental bool
}

// Values returns the rows positionally aligned with Columns.
func (rs RowSet) Values() [][]any {
	out := make([][]any, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		row := make([]any, len(rs.Columns))
		for i, c := range rs.Columns {
			row[i] = r[c]
		}
		out = append(out, row)
	}
	return out
}

// Issue reports a row that could not be flattened.
type Issue struct {
	RowSet  string
	Row     int
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s row %d: %s", i.RowSet, i.Row, i.Message)
}

// Result is the output of one Flatten call. RowSets holds each name at most
// once, parent first, children in order of first appearance.
type Result struct {
	RowSets []RowSet
	Issues  []Issue
}

// Flattener applies mapping sets to raw rows. It has no side effects; callers
// forward the returned row-sets to a sink.
type Flattener struct {
	// Incremental is copied onto every produced row-set.
	Incremental bool

	// SnapshotRowSet names the one row-set stamped with CapturedAtColumn.
	// Empty disables stamping.
	SnapshotRowSet string

	// Now is used for the capture stamp. Defaults to time.Now.
	Now func() time.Time
}

// Flatten turns data (an array of objects or a single object) into row-sets.
// parentKey feeds user entries of the top-level set.
func (f Flattener) Flatten(data any, set Set, parentKey, name string) Result {
	acc := &accumulator{byName: map[string]*RowSet{}}
	f.flatten(acc, AsRows(data), set, parentKey, name)
	return f.finish(acc)
}

func (f Flattener) flatten(acc *accumulator, rows []map[string]any, set Set, parentKey, name string) {
	rs := acc.rowSet(name, set, f.Incremental)
	needID := set.hasTables()

	for i, row := range rows {
		var id string
		if needID {
			v, ok := identifier(row, set.idField())
			if !ok {
				acc.issues = append(acc.issues, Issue{
					RowSet:  name,
					Row:     i,
					Message: fmt.Sprintf("missing identifier %q required by nested tables", set.idField()),
				})
				continue
			}
			id = v
		}

		rec := make(Record, len(set.Entries))
		for _, e := range set.Entries {
			switch e.Type {
			case User:
				rec[e.Destination] = parentKey
			case Table:
				f.flatten(acc, AsRows(e.lookup(row)), *e.Table, id, e.TableName)
			default:
				rec[e.Destination] = renderEntry(e, e.lookup(row))
			}
		}
		rs.Rows = append(rs.Rows, rec)
	}
}

func (f Flattener) finish(acc *accumulator) Result {
	res := Result{Issues: acc.issues}
	for _, name := range acc.order {
		rs := acc.byName[name]
		if len(rs.Rows) == 0 {
			continue
		}
		if f.SnapshotRowSet != "" && name == f.SnapshotRowSet {
			now := time.Now
			if f.Now != nil {
				now = f.Now
			}
			stamp := now().UTC().Format(time.RFC3339)
			rs.Columns = appendUnique(rs.Columns, CapturedAtColumn)
			for _, r := range rs.Rows {
				r[CapturedAtColumn] = stamp
			}
		}
		res.RowSets = append(res.RowSets, *rs)
	}
	return res
}

type accumulator struct {
	order  []string
	byName map[string]*RowSet
	issues []Issue
}

// rowSet returns the row-set for name, widening columns and primary key when a
// different set feeds the same name.
func (a *accumulator) rowSet(name string, set Set, incremental bool) *RowSet {
	rs, ok := a.byName[name]
	if !ok {
		rs = &RowSet{Name: name, Incremental: incremental}
		a.byName[name] = rs
		a.order = append(a.order, name)
	}
	for _, c := range set.Columns() {
		rs.Columns = appendUnique(rs.Columns, c)
	}
	for _, c := range set.PrimaryKey() {
		rs.PrimaryKey = appendUnique(rs.PrimaryKey, c)
	}
	return rs
}

// AsRows normalizes a payload into a list of objects. A single object becomes a
// one-element list; non-object array elements are dropped.
func AsRows(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func identifier(row map[string]any, field string) (string, bool) {
	s := Render(row[field])
	return s, s != ""
}

func renderEntry(e Entry, v any) string {
	s := Render(v)
	if e.Format == FormatHTMLText && s != "" {
		return htmlText(s)
	}
	return s
}

// Render converts a decoded JSON value to its flat string form.
func Render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// htmlText returns the text content of an HTML fragment. Unparseable input is
// returned unchanged.
func htmlText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}

// Package mapping holds the declarative field mappings that turn nested API
// objects into flat row-sets, and the Flattener that applies them.
//
// A mapping set is a JSON object whose keys are source paths and whose values
// describe the destination:
//
//	{
//	  "gid":         {"type": "column", "mapping": {"destination": "id", "primaryKey": true}},
//	  "project_id":  {"type": "user",   "mapping": {"destination": "project_id"}},
//	  "memberships": {"type": "table",  "destination": "task_details_memberships",
//	                  "tableMapping": { ... nested set ... }}
//	}
//
// Key order is significant (it is the column order) and is preserved while
// decoding.
package mapping

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Type is the kind of a mapping entry.
type Type string

const (
	// Column projects a scalar found at the source path.
	Column Type = "column"
	// User writes the parent key handed down by the caller. Always part of the
	// primary key.
	User Type = "user"
	// Table flattens the nested object/array at the source path into a
	// separate row-set.
	Table Type = "table"
)

// FormatHTMLText renders an HTML fragment as its text content.
const FormatHTMLText = "html_text"

// DefaultIDField is the row identifier used as parent key for nested tables.
const DefaultIDField = "gid"

// Entry is one mapping rule.
type Entry struct {
	Source      string
	Type        Type
	Destination string
	PrimaryKey  bool
	Format      string

	// Table and TableName are set for Type == Table.
	Table     *Set
	TableName string

	path jp.Expr
}

// Set is an ordered list of entries applied to every row of a row-set.
type Set struct {
	Entries []Entry

	// IDField overrides DefaultIDField.
	IDField string
}

// Registry maps mapping names to sets.
type Registry map[string]Set

// ColumnEntry builds a column entry.
func ColumnEntry(source, destination string, primaryKey bool) Entry {
	return Entry{Source: source, Type: Column, Destination: destination, PrimaryKey: primaryKey, path: compilePath(source)}
}

// UserEntry builds a parent-key entry.
func UserEntry(source, destination string) Entry {
	return Entry{Source: source, Type: User, Destination: destination}
}

// TableEntry builds a nested-table entry.
func TableEntry(source, tableName string, nested Set) Entry {
	return Entry{Source: source, Type: Table, TableName: tableName, Table: &nested, path: compilePath(source)}
}

func (s Set) idField() string {
	if s.IDField != "" {
		return s.IDField
	}
	return DefaultIDField
}

func (s Set) hasTables() bool {
	for _, e := range s.Entries {
		if e.Type == Table {
			return true
		}
	}
	return false
}

// Columns returns destination columns of column and user entries, deduplicated,
// in declaration order.
func (s Set) Columns() []string {
	var out []string
	for _, e := range s.Entries {
		if e.Type == Table {
			continue
		}
		out = appendUnique(out, e.Destination)
	}
	return out
}

// PrimaryKey returns the primary-key columns, deduplicated, in order of first
// appearance.
func (s Set) PrimaryKey() []string {
	var out []string
	for _, e := range s.Entries {
		switch {
		case e.Type == User:
			out = appendUnique(out, e.Destination)
		case e.Type == Column && e.PrimaryKey:
			out = appendUnique(out, e.Destination)
		}
	}
	return out
}

// lookup resolves the dotted source path against row. Missing intermediate
// keys resolve to nil.
func (e Entry) lookup(row map[string]any) any {
	x := e.path
	if x == nil {
		x = compilePath(e.Source)
	}
	return x.First(row)
}

func compilePath(source string) jp.Expr {
	x := jp.R()
	for _, part := range strings.Split(source, ".") {
		x = x.C(part)
	}
	return x
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

// rawEntry is the wire shape of one entry.
type rawEntry struct {
	Type    string `json:"type"`
	Mapping struct {
		Destination string `json:"destination"`
		PrimaryKey  bool   `json:"primaryKey"`
		Format      string `json:"format"`
	} `json:"mapping"`
	Destination  string          `json:"destination"`
	TableMapping json.RawMessage `json:"tableMapping"`
}

func (r rawEntry) entry(source string) (Entry, error) {
	if strings.TrimSpace(source) == "" {
		return Entry{}, fmt.Errorf("empty source path")
	}

	switch Type(r.Type) {
	case "", Column:
		if r.Mapping.Destination == "" {
			return Entry{}, fmt.Errorf("%s: column without mapping.destination", source)
		}
		if r.Mapping.Format != "" && r.Mapping.Format != FormatHTMLText {
			return Entry{}, fmt.Errorf("%s: unsupported format %q", source, r.Mapping.Format)
		}
		e := ColumnEntry(source, r.Mapping.Destination, r.Mapping.PrimaryKey)
		e.Format = r.Mapping.Format
		return e, nil

	case User:
		if r.Mapping.Destination == "" {
			return Entry{}, fmt.Errorf("%s: user without mapping.destination", source)
		}
		return UserEntry(source, r.Mapping.Destination), nil

	case Table:
		if r.Destination == "" {
			return Entry{}, fmt.Errorf("%s: table without destination", source)
		}
		if len(r.TableMapping) == 0 {
			return Entry{}, fmt.Errorf("%s: table without tableMapping", source)
		}
		var nested Set
		if err := json.Unmarshal(r.TableMapping, &nested); err != nil {
			return Entry{}, fmt.Errorf("%s: %w", source, err)
		}
		return TableEntry(source, r.Destination, nested), nil

	default:
		return Entry{}, fmt.Errorf("%s: unknown type %q", source, r.Type)
	}
}

// UnmarshalJSON decodes a set while keeping the object's key order.
func (s *Set) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("mapping: read set start: %w", err)
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("mapping: expected object, got %v", tok)
	}

	var entries []Entry
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("mapping: read key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("mapping: expected key, got %v", kt)
		}

		var raw rawEntry
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("mapping: %s: %w", key, err)
		}
		e, err := raw.entry(key)
		if err != nil {
			return fmt.Errorf("mapping: %w", err)
		}
		entries = append(entries, e)
	}

	if end, err := dec.Token(); err != nil {
		return fmt.Errorf("mapping: read set end: %w", err)
	} else if end != json.Delim('}') {
		return fmt.Errorf("mapping: expected object end, got %v", end)
	}

	s.Entries = entries
	return nil
}

// Load decodes a registry from r.
func Load(r io.Reader) (Registry, error) {
	var reg Registry
	if err := json.NewDecoder(r).Decode(&reg); err != nil {
		return nil, fmt.Errorf("mapping: decode registry: %w", err)
	}
	if len(reg) == 0 {
		return nil, fmt.Errorf("mapping: registry has no sets")
	}
	return reg, nil
}

//go:embed mappings.json
var defaultMappings []byte

// Default returns the built-in Asana mappings.
func Default() (Registry, error) {
	return Load(bytes.NewReader(defaultMappings))
}

// Set returns the set registered under name.
func (r Registry) Set(name string) (Set, bool) {
	s, ok := r[name]
	return s, ok
}

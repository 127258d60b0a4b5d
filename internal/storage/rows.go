package storage

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeIdent folds s into a portable SQL identifier: accents stripped,
// lower-case, runs of characters outside [a-z0-9_] replaced by one underscore.
// A leading digit gets an underscore prefix; an empty result becomes "_".
func NormalizeIdent(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_':
			if b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
		default:
			pendingSep = true
		}
	}

	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "_"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// DedupeByKey collapses rows sharing the same key columns. The surviving row
// sits at the position of the first occurrence and carries the values of the
// last one. Without key columns rows are returned unchanged.
func DedupeByKey(columns []string, rows [][]any, key []string) ([][]any, error) {
	if len(key) == 0 || len(rows) < 2 {
		return rows, nil
	}

	idx := make([]int, len(key))
	for i, k := range key {
		pos := -1
		for j, c := range columns {
			if c == k {
				pos = j
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("storage: key column %q not in column list", k)
		}
		idx[i] = pos
	}

	seen := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		for i, p := range idx {
			if i > 0 {
				kb.WriteByte(0)
			}
			fmt.Fprint(&kb, row[p])
		}
		k := kb.String()
		if at, ok := seen[k]; ok {
			out[at] = row
			continue
		}
		seen[k] = len(out)
		out = append(out, row)
	}
	return out, nil
}

// Chunk splits rows so that no chunk binds more than maxParams parameters
// at width parameters per row.
func Chunk(rows [][]any, width, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := len(rows)
	if width > 0 && maxParams > 0 {
		per = maxParams / width
		if per < 1 {
			per = 1
		}
	}

	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

// NonKeyColumns returns the columns not in key, in order.
func NonKeyColumns(columns, key []string) []string {
	in := make(map[string]bool, len(key))
	for _, k := range key {
		in[k] = true
	}
	var out []string
	for _, c := range columns {
		if !in[c] {
			out = append(out, c)
		}
	}
	return out
}

// Validate checks that t is usable by a backend.
func (t Table) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("storage: table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("storage: table %s has no columns", t.Name)
	}
	have := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if have[c] {
			return fmt.Errorf("storage: table %s: duplicate column %q", t.Name, c)
		}
		have[c] = true
	}
	for _, k := range t.PrimaryKey {
		if !have[k] {
			return fmt.Errorf("storage: table %s: primary key column %q not in columns", t.Name, k)
		}
	}
	return nil
}

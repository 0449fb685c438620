package storage

import (
	"fmt"
	"strings"
)

// DedupeRowsByKey keeps one row per key, the LAST occurrence winning, while
// preserving the order of first appearance. Multi-row upserts need this:
// Postgres rejects an ON CONFLICT DO UPDATE that touches the same row twice
// and SQL Server MERGE rejects duplicate source keys.
func DedupeRowsByKey(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	idx := make([]int, 0, len(keyColumns))
	for _, k := range keyColumns {
		pos := -1
		for i, c := range columns {
			if c == k {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("dedupe: key column %q not in columns %v", k, columns)
		}
		idx = append(idx, pos)
	}

	order := make([]string, 0, len(rows))
	byKey := make(map[string][]any, len(rows))
	var b strings.Builder
	for _, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("dedupe: row length %d != columns length %d", len(row), len(columns))
		}
		b.Reset()
		for _, i := range idx {
			b.WriteString(fmt.Sprint(row[i]))
			b.WriteByte(0)
		}
		k := b.String()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = row
	}

	out := make([][]any, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}

// MovieRows converts movies to positional rows aligned with MovieColumns.
func MovieRows(movies []MovieFact) [][]any {
	out := make([][]any, 0, len(movies))
	for _, m := range movies {
		out = append(out, m.Values())
	}
	return out
}

// BoxOfficeRows converts facts to positional rows aligned with BoxOfficeColumns.
func BoxOfficeRows(facts []BoxOfficeFact) [][]any {
	out := make([][]any, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Values())
	}
	return out
}

// MovieDetailRows converts details to positional rows aligned with MovieDetailColumns.
func MovieDetailRows(details []MovieDetailFact) [][]any {
	out := make([][]any, 0, len(details))
	for _, d := range details {
		out = append(out, d.Values())
	}
	return out
}

// ValidateClass returns a *StoreError when c is not a known entity class.
func ValidateClass(op string, c EntityClass) error {
	if !c.Valid() {
		return &StoreError{Op: op, Err: fmt.Errorf("unknown entity class %q", c)}
	}
	return nil
}

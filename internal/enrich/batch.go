package enrich

import (
	"strings"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/schemagraph"
)

func uniqueTuples(rows []EnrichedRow, columns []string) [][]any {
	seen := make(map[string]struct{})
	tuples := make([][]any, 0, len(rows))
	for _, row := range rows {
		values := row.Values.Values(columns)
		if containsNil(values) {
			continue
		}
		key := tupleKey(values)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tuples = append(tuples, values)
	}
	return tuples
}

func chunkTuples(tuples [][]any, max int) [][][]any {
	if len(tuples) == 0 {
		return nil
	}
	if max <= 0 || len(tuples) <= max {
		return [][][]any{tuples}
	}
	chunks := make([][][]any, 0, (len(tuples)+max-1)/max)
	for start := 0; start < len(tuples); start += max {
		end := min(start+max, len(tuples))
		chunks = append(chunks, tuples[start:end])
	}
	return chunks
}

// tupleKey joins key values with a separator that cannot appear in the
// rendering of a single value.
func tupleKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = dbexec.KeyString(v)
	}
	return strings.Join(parts, "\x00")
}

func containsNil(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

func hasColumns(row dbexec.Row, columns []string) bool {
	for _, col := range columns {
		if _, ok := row[col]; !ok {
			return false
		}
	}
	return true
}

func without(row dbexec.Row, drop []string) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, col := range drop {
		delete(out, col)
	}
	return out
}

func sameSourceCount(edges []schemagraph.Edge, table string) int {
	n := 0
	for _, e := range edges {
		if e.FromTable == table {
			n++
		}
	}
	return n
}

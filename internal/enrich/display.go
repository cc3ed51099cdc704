package enrich

import (
	"regexp"
	"strings"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/schemagraph"
)

var preferredDisplayColumns = []string{"name", "title", "description", "label", "code", "key", "value", "display_name"}

var descriptiveColumn = regexp.MustCompile(`(?i)(name|title|label|description|summary|text|content)`)

// DisplayField picks the column that best describes a row of table: a
// preferred name, then any descriptive looking column, then the first
// non-key column (plain columns before ids and timestamps), then the first
// key column.
func DisplayField(table *schemagraph.TableSchema) string {
	for _, want := range preferredDisplayColumns {
		for _, col := range table.Columns {
			if strings.EqualFold(col.Name, want) {
				return col.Name
			}
		}
	}
	for _, col := range table.Columns {
		if isIdentifierLike(col.Name) {
			continue
		}
		if descriptiveColumn.MatchString(col.Name) {
			return col.Name
		}
	}
	for _, col := range table.Columns {
		if !table.IsKey(col.Name) && !isIdentifierLike(col.Name) {
			return col.Name
		}
	}
	for _, col := range table.Columns {
		if !table.IsKey(col.Name) {
			return col.Name
		}
	}
	if len(table.PrimaryKey) > 0 {
		return table.PrimaryKey[0]
	}
	if len(table.Columns) > 0 {
		return table.Columns[0].Name
	}
	return ""
}

func isIdentifierLike(name string) bool {
	lower := strings.ToLower(name)
	return lower == "id" || strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_at")
}

func displayValue(row dbexec.Row, field string, fallback any) string {
	if v, ok := row[field]; ok && v != nil {
		return dbexec.KeyString(v)
	}
	return dbexec.KeyString(fallback)
}

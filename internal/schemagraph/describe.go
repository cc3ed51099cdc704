package schemagraph

import (
	"fmt"
	"strings"
)

// Describe renders the schema as prompt text: every table with its columns,
// key markers, then the relationship list.
func (g *Graph) Describe() string {
	var b strings.Builder
	b.WriteString("Allows you to perform SQL queries on the tables. Returns a string representation of the result.\n")
	b.WriteString("It can use the following tables:")

	for _, name := range g.names {
		table := g.tables[name]
		references := make(map[string]string)
		for _, edge := range g.Outbound(name) {
			for i, col := range edge.FromColumns {
				if _, seen := references[col]; !seen {
					references[col] = edge.ToTable + "." + edge.ToColumns[i]
				}
			}
		}

		fmt.Fprintf(&b, "\n\nTable '%s':\nColumns:", name)
		for _, col := range table.Columns {
			fmt.Fprintf(&b, "\n  - %s: %s", col.Name, col.Type)
			if table.IsKey(col.Name) {
				b.WriteString(" (Primary Key)")
			}
			if ref, ok := references[col.Name]; ok {
				fmt.Fprintf(&b, " (Foreign Key to %s)", ref)
			}
		}
	}

	b.WriteString("\n\nRelationships between tables:")
	if len(g.edges) == 0 {
		b.WriteString("\n  No foreign key relationships detected.")
	}
	for _, edge := range g.edges {
		fmt.Fprintf(&b, "\n  - %s references %s", qualified(edge.FromTable, edge.FromColumns), qualified(edge.ToTable, edge.ToColumns))
	}
	return b.String()
}

// JoinHints lists one JOIN clause suggestion per edge.
func (g *Graph) JoinHints() []string {
	hints := make([]string, 0, len(g.edges))
	for _, edge := range g.edges {
		conds := make([]string, len(edge.FromColumns))
		for i := range edge.FromColumns {
			conds[i] = fmt.Sprintf("%s.%s = %s.%s", edge.FromTable, edge.FromColumns[i], edge.ToTable, edge.ToColumns[i])
		}
		hints = append(hints, fmt.Sprintf("JOIN %s ON %s", edge.ToTable, strings.Join(conds, " AND ")))
	}
	return hints
}

// Relationships lists "<from> references <to>" lines for the table in both
// directions.
func (g *Graph) Relationships(table string) []string {
	var lines []string
	for _, edge := range g.Outbound(table) {
		lines = append(lines, fmt.Sprintf("%s references %s", qualified(edge.FromTable, edge.FromColumns), qualified(edge.ToTable, edge.ToColumns)))
	}
	for _, edge := range g.Inbound(table) {
		lines = append(lines, fmt.Sprintf("%s is referenced by %s", qualified(edge.ToTable, edge.ToColumns), qualified(edge.FromTable, edge.FromColumns)))
	}
	return lines
}

func qualified(table string, columns []string) string {
	if len(columns) == 1 {
		return table + "." + columns[0]
	}
	return table + ".(" + strings.Join(columns, ", ") + ")"
}

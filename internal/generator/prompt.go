package generator

import (
	"fmt"
	"strings"

	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"
)

// BuildPrompt renders the instruction prompt for question against graph.
func BuildPrompt(graph *schemagraph.Graph, question string) string {
	var b strings.Builder
	b.WriteString("You are a helpful SQL assistant. Your job is to convert a natural language question into a valid SQL query")
	if name := dialectName(graph.Dialect); name != "" {
		fmt.Fprintf(&b, " for %s", name)
	}
	b.WriteString(".\n\nDatabase information:\n")
	b.WriteString(graph.Describe())

	b.WriteString("\n\nAvailable tables and columns:")
	for _, name := range graph.TableNames() {
		table, _ := graph.Table(name)
		fmt.Fprintf(&b, "\n- Table '%s' has columns: %s", name, strings.Join(table.ColumnNames(), ", "))
	}

	b.WriteString("\n\nForeign key relationships:")
	hints := graph.JoinHints()
	if len(hints) == 0 {
		b.WriteString("\nNo foreign key relationships detected.")
	} else {
		b.WriteString("\nWhen creating JOIN queries, consider these relationships:")
		for _, hint := range hints {
			b.WriteString("\n- " + hint)
		}
	}

	fmt.Fprintf(&b, "\n\nUser's question: %s\n", strings.TrimSpace(question))
	b.WriteString(`
IMPORTANT INSTRUCTIONS:
1. Think step by step about what SQL query would best answer this question.
2. ONLY use tables and columns that actually exist in the database schema provided above.
3. Double-check all table and column names to ensure they match exactly what's in the schema.
4. When the query involves multiple tables, use JOIN clauses based on the foreign key relationships provided.
5. Always use table aliases when joining tables (e.g., 'projects AS p').
6. Always qualify column names with their table aliases (e.g., 'p.id', not just 'id').
7. Use LEFT JOIN instead of INNER JOIN by default to ensure all primary table records are included.
8. Include a semicolon at the end of your query.
9. ONLY provide the SQL query itself without any markdown formatting, explanations, or additional text.

Now, provide ONLY the SQL query for the user's question above.`)
	return b.String()
}

func dialectName(d sqlutil.Dialect) string {
	switch d {
	case sqlutil.DialectMySQL:
		return "MySQL"
	case sqlutil.DialectPostgres:
		return "PostgreSQL"
	case sqlutil.DialectSQLite:
		return "SQLite"
	}
	return ""
}

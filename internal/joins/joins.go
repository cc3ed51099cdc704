// Package joins synthesizes LEFT JOIN queries from foreign-key topology.
package joins

import (
	"fmt"
	"strings"
	"unicode"

	sq "github.com/Masterminds/squirrel"

	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"
)

// Direction says which side of the foreign key the main table is on.
type Direction string

const (
	Outbound Direction = "outbound" // main table holds the foreign key
	Inbound  Direction = "inbound"  // joined table holds the foreign key
)

// Join is one LEFT JOIN of a suggestion.
type Join struct {
	Table     string          `json:"table"`
	Alias     string          `json:"alias"`
	Direction Direction       `json:"direction"`
	Edge      schemagraph.Edge `json:"edge"`
}

// Suggestion is either a query or, when no join applies, an explanation.
type Suggestion struct {
	Table       string `json:"table"`
	SQL         string `json:"sql,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	Joins       []Join `json:"joins,omitempty"`
}

// OK reports whether the suggestion carries a query.
func (s Suggestion) OK() bool { return s.SQL != "" }

// Text returns the query, or the explanation when there is none.
func (s Suggestion) Text() string {
	if s.OK() {
		return s.SQL
	}
	return s.Explanation
}

// Suggest builds one SELECT over table plus a LEFT JOIN per outbound and
// inbound edge. Joined columns are projected as <table>_<column>, skipping
// the columns the join condition already pins to the main table.
func Suggest(graph *schemagraph.Graph, table string) Suggestion {
	main, ok := graph.Table(table)
	if !ok {
		return Suggestion{Table: table, Explanation: fmt.Sprintf("Table '%s' not found in the schema.", table)}
	}
	outbound := graph.Outbound(table)
	var inbound []schemagraph.Edge
	for _, edge := range graph.Inbound(table) {
		// Self references are already joined through the outbound edge.
		if edge.FromTable != table {
			inbound = append(inbound, edge)
		}
	}
	if len(outbound) == 0 && len(inbound) == 0 {
		return Suggestion{Table: table, Explanation: fmt.Sprintf("No foreign key relationships found for table '%s'.", table)}
	}

	d := dialectOf(graph)
	q := d.QuoteIfNeeded
	mainRef := q(main.Name)

	aliases := newAliasAllocator(main.Name)
	used := make(map[string]bool, len(main.Columns))
	for _, col := range main.Columns {
		used[strings.ToLower(col.Name)] = true
	}

	builder := sq.Select(mainRef + ".*").From(mainRef).PlaceholderFormat(d.PlaceholderFormat())
	var joins []Join

	add := func(edge schemagraph.Edge, dir Direction) {
		other, skip := edge.ToTable, edge.ToColumns
		if dir == Inbound {
			other, skip = edge.FromTable, edge.FromColumns
		}
		alias := aliases.next(other)
		joins = append(joins, Join{Table: other, Alias: alias, Direction: dir, Edge: edge})

		if ts, found := graph.Table(other); found {
			for _, col := range ts.Columns {
				if contains(skip, col.Name) {
					continue
				}
				name := other + "_" + col.Name
				if used[strings.ToLower(name)] {
					name = alias + "_" + col.Name
				}
				used[strings.ToLower(name)] = true
				builder = builder.Column(fmt.Sprintf("%s.%s AS %s", alias, q(col.Name), q(name)))
			}
		}

		conds := make([]string, len(edge.FromColumns))
		for i := range edge.FromColumns {
			if dir == Outbound {
				conds[i] = fmt.Sprintf("%s.%s = %s.%s", mainRef, q(edge.FromColumns[i]), alias, q(edge.ToColumns[i]))
			} else {
				conds[i] = fmt.Sprintf("%s.%s = %s.%s", alias, q(edge.FromColumns[i]), mainRef, q(edge.ToColumns[i]))
			}
		}
		builder = builder.LeftJoin(fmt.Sprintf("%s AS %s ON %s", q(other), alias, strings.Join(conds, " AND ")))
	}

	for _, edge := range outbound {
		add(edge, Outbound)
	}
	for _, edge := range inbound {
		add(edge, Inbound)
	}

	sql, _, err := builder.ToSql()
	if err != nil {
		return Suggestion{Table: table, Explanation: fmt.Sprintf("Could not build a join query for table '%s': %v", table, err)}
	}
	return Suggestion{Table: table, SQL: sql + ";", Joins: joins}
}

// aliasAllocator hands out first-letter aliases: the first table with a
// letter gets it bare, later ones get <letter>1, <letter>2 and so on.
type aliasAllocator struct {
	counts map[string]int
	taken  map[string]bool
}

func newAliasAllocator(mainTable string) *aliasAllocator {
	return &aliasAllocator{
		counts: make(map[string]int),
		taken:  map[string]bool{strings.ToLower(mainTable): true},
	}
}

func (a *aliasAllocator) next(table string) string {
	letter := "t"
	for _, r := range table {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			letter = string(unicode.ToLower(r))
		}
		break
	}
	for {
		n := a.counts[letter]
		a.counts[letter] = n + 1
		alias := letter
		if n > 0 {
			alias = fmt.Sprintf("%s%d", letter, n)
		}
		if !a.taken[alias] {
			a.taken[alias] = true
			return alias
		}
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// dialectOf keeps a zero dialect usable in tests that build graphs by hand.
func dialectOf(g *schemagraph.Graph) sqlutil.Dialect {
	if g.Dialect == "" {
		return sqlutil.DialectMySQL
	}
	return g.Dialect
}

// Package schemagraph folds introspected schema metadata into a bidirectional
// foreign-key graph with per-table outbound and inbound indices.
package schemagraph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"sql-agent/internal/introspection"
	"sql-agent/internal/sqlutil"
)

// Column is a column name with its declared type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
	IsView     bool     `json:"is_view,omitempty"`
}

// ColumnNames returns the table's columns in ordinal order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// HasColumn reports whether name is a column of the table.
func (t *TableSchema) HasColumn(name string) bool {
	for _, col := range t.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}

// IsKey reports whether name is part of the primary key.
func (t *TableSchema) IsKey(name string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// Edge is one foreign key. FromColumns[i] references ToColumns[i].
type Edge struct {
	Constraint  string   `json:"constraint,omitempty"`
	FromTable   string   `json:"from_table"`
	FromColumns []string `json:"from_columns"`
	ToTable     string   `json:"to_table"`
	ToColumns   []string `json:"to_columns"`
}

// Graph is an immutable schema snapshot. Build a new one to refresh.
type Graph struct {
	Dialect  sqlutil.Dialect
	Database string

	tables   map[string]*TableSchema
	names    []string
	edges    []Edge
	outbound map[string][]int
	inbound  map[string][]int
}

// Build derives the graph from introspection output. Edges whose endpoints
// are missing or whose column lists differ in length are dropped.
func Build(schema *introspection.Schema) *Graph {
	g := &Graph{
		tables:   make(map[string]*TableSchema),
		outbound: make(map[string][]int),
		inbound:  make(map[string][]int),
	}
	if schema == nil {
		return g
	}
	g.Dialect = schema.Dialect
	g.Database = schema.Database

	source := make(map[string]introspection.Table, len(schema.Tables))
	for _, table := range schema.Tables {
		source[table.Name] = table
		ts := &TableSchema{
			Name:       table.Name,
			Columns:    make([]Column, 0, len(table.Columns)),
			PrimaryKey: append([]string{}, table.PrimaryKey...),
			IsView:     table.IsView,
		}
		for _, col := range table.Columns {
			ts.Columns = append(ts.Columns, Column{Name: col.Name, Type: col.DataType})
		}
		g.tables[table.Name] = ts
		g.names = append(g.names, table.Name)
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		for _, fk := range source[name].ForeignKeyConstraints() {
			g.addEdge(Edge{
				Constraint:  fk.ConstraintName,
				FromTable:   fk.Table,
				FromColumns: fk.Columns,
				ToTable:     fk.ReferencedTable,
				ToColumns:   fk.ReferencedColumns,
			})
		}
	}
	return g
}

func (g *Graph) addEdge(edge Edge) {
	if len(edge.FromColumns) == 0 || len(edge.FromColumns) != len(edge.ToColumns) {
		return
	}
	from, ok := g.tables[edge.FromTable]
	if !ok {
		return
	}
	to, ok := g.tables[edge.ToTable]
	if !ok {
		return
	}
	for i := range edge.FromColumns {
		if !from.HasColumn(edge.FromColumns[i]) || !to.HasColumn(edge.ToColumns[i]) {
			return
		}
	}

	idx := len(g.edges)
	g.edges = append(g.edges, edge)
	g.outbound[edge.FromTable] = append(g.outbound[edge.FromTable], idx)
	g.inbound[edge.ToTable] = append(g.inbound[edge.ToTable], idx)
}

// Table looks up a table by exact name.
func (g *Graph) Table(name string) (*TableSchema, bool) {
	t, ok := g.tables[name]
	return t, ok
}

// TableNames returns every table name in sorted order.
func (g *Graph) TableNames() []string {
	return append([]string{}, g.names...)
}

// Edges returns every edge in build order.
func (g *Graph) Edges() []Edge {
	return append([]Edge{}, g.edges...)
}

// Outbound returns the edges whose FromTable is table.
func (g *Graph) Outbound(table string) []Edge {
	return g.collect(g.outbound[table])
}

// Inbound returns the edges whose ToTable is table.
func (g *Graph) Inbound(table string) []Edge {
	return g.collect(g.inbound[table])
}

// HasRelations reports whether the table takes part in any edge.
func (g *Graph) HasRelations(table string) bool {
	return len(g.outbound[table]) > 0 || len(g.inbound[table]) > 0
}

func (g *Graph) collect(indices []int) []Edge {
	if len(indices) == 0 {
		return nil
	}
	out := make([]Edge, len(indices))
	for i, idx := range indices {
		out[i] = g.edges[idx]
	}
	return out
}

// Fingerprint hashes the canonical graph. Equal structure gives equal
// fingerprints regardless of introspection order.
func (g *Graph) Fingerprint() string {
	tables := make([]*TableSchema, 0, len(g.names))
	for _, name := range g.names {
		tables = append(tables, g.tables[name])
	}
	edges := g.Edges()
	sort.Slice(edges, func(i, j int) bool {
		return edgeSortKey(edges[i]) < edgeSortKey(edges[j])
	})

	payload, _ := json.Marshal(struct {
		Tables []*TableSchema `json:"tables"`
		Edges  []Edge         `json:"edges"`
	}{tables, edges})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func edgeSortKey(e Edge) string {
	return e.FromTable + "\x00" + strings.Join(e.FromColumns, ",") + "\x00" + e.ToTable + "\x00" + strings.Join(e.ToColumns, ",")
}

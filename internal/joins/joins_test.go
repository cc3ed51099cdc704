package joins

import (
	"strings"
	"testing"

	"sql-agent/internal/introspection"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func col(name, typ string) introspection.Column {
	return introspection.Column{Name: name, DataType: typ}
}

func fk(column, table, ref, name string) introspection.ForeignKey {
	return introspection.ForeignKey{ColumnName: column, ReferencedTable: table, ReferencedColumn: ref, ConstraintName: name, OrdinalPosition: 1}
}

func storeGraph() *schemagraph.Graph {
	return schemagraph.Build(&introspection.Schema{
		Dialect: sqlutil.DialectMySQL,
		Tables: []introspection.Table{
			{Name: "customers", Columns: []introspection.Column{col("id", "int"), col("name", "varchar(50)")}, PrimaryKey: []string{"id"}},
			{Name: "carriers", Columns: []introspection.Column{col("id", "int"), col("label", "varchar(50)")}, PrimaryKey: []string{"id"}},
			{
				Name:       "orders",
				Columns:    []introspection.Column{col("id", "int"), col("customer_id", "int"), col("carrier_id", "int"), col("total", "decimal")},
				PrimaryKey: []string{"id"},
				ForeignKeys: []introspection.ForeignKey{
					fk("customer_id", "customers", "id", "fk_orders_1"),
					fk("carrier_id", "carriers", "id", "fk_orders_2"),
				},
			},
			{
				Name:        "shipments",
				Columns:     []introspection.Column{col("id", "int"), col("order_id", "int"), col("tracking", "varchar(40)")},
				PrimaryKey:  []string{"id"},
				ForeignKeys: []introspection.ForeignKey{fk("order_id", "orders", "id", "fk_shipments_order")},
			},
			{Name: "settings", Columns: []introspection.Column{col("k", "text"), col("v", "text")}, PrimaryKey: []string{"k"}},
		},
	})
}

func TestSuggestOutboundJoin(t *testing.T) {
	s := Suggest(storeGraph(), "orders")
	require.True(t, s.OK(), s.Explanation)

	assert.Contains(t, s.SQL, "SELECT orders.*")
	assert.Contains(t, s.SQL, "LEFT JOIN customers AS c ON orders.customer_id = c.id")
	assert.Contains(t, s.SQL, "c.name AS customers_name")
	assert.NotContains(t, s.SQL, "c.id AS")
	assert.Contains(t, s.SQL, "LEFT JOIN carriers AS c1 ON orders.carrier_id = c1.id")
	assert.Contains(t, s.SQL, "c1.label AS carriers_label")
	assert.Contains(t, s.SQL, "LEFT JOIN shipments AS s ON s.order_id = orders.id")
	assert.Contains(t, s.SQL, "s.tracking AS shipments_tracking")
	assert.NotContains(t, s.SQL, "s.order_id AS")
	assert.NotContains(t, s.SQL, "INNER JOIN")

	require.Len(t, s.Joins, 3)
	assert.Equal(t, Outbound, s.Joins[0].Direction)
	assert.Equal(t, Inbound, s.Joins[2].Direction)
}

func TestSuggestSoftFailures(t *testing.T) {
	g := storeGraph()

	s := Suggest(g, "settings")
	assert.False(t, s.OK())
	assert.Equal(t, "No foreign key relationships found for table 'settings'.", s.Text())

	s = Suggest(g, "missing")
	assert.False(t, s.OK())
	assert.Equal(t, "Table 'missing' not found in the schema.", s.Text())
}

func TestSuggestCompositeKeyAndCollision(t *testing.T) {
	g := schemagraph.Build(&introspection.Schema{
		Dialect: sqlutil.DialectPostgres,
		Tables: []introspection.Table{
			{Name: "regions", Columns: []introspection.Column{col("country", "text"), col("code", "text"), col("name", "text")}, PrimaryKey: []string{"country", "code"}},
			{
				Name:       "stores",
				Columns:    []introspection.Column{col("id", "int"), col("country", "text"), col("region_code", "text"), col("regions_name", "text")},
				PrimaryKey: []string{"id"},
				ForeignKeys: []introspection.ForeignKey{
					{ColumnName: "country", ReferencedTable: "regions", ReferencedColumn: "country", ConstraintName: "fk_region", OrdinalPosition: 1},
					{ColumnName: "region_code", ReferencedTable: "regions", ReferencedColumn: "code", ConstraintName: "fk_region", OrdinalPosition: 2},
				},
			},
		},
	})

	s := Suggest(g, "stores")
	require.True(t, s.OK())
	assert.Contains(t, s.SQL, "LEFT JOIN regions AS r ON stores.country = r.country AND stores.region_code = r.code")
	// stores already has regions_name, so the alias prefix is used.
	assert.Contains(t, s.SQL, "r.name AS r_name")
}

func TestSuggestIsDeterministic(t *testing.T) {
	assert.Equal(t, Suggest(storeGraph(), "orders"), Suggest(storeGraph(), "orders"))
}

func TestMerge(t *testing.T) {
	g := storeGraph()
	s := Suggest(g, "orders")
	skeleton := s.SQL[:len(s.SQL)-1]

	tests := []struct {
		name     string
		original string
		want     string
		ok       bool
	}{
		{
			name:     "star keeps skeleton",
			original: "SELECT * FROM orders;",
			want:     s.SQL,
			ok:       true,
		},
		{
			name:     "trailing clauses",
			original: "SELECT * FROM orders WHERE total > 10 ORDER BY id DESC LIMIT 5",
			want:     skeleton + " WHERE orders.total > 10 ORDER BY orders.id DESC LIMIT 5;",
			ok:       true,
		},
		{
			name:     "custom projection with alias",
			original: "SELECT o.id, total FROM orders o LIMIT 3",
			want:     "SELECT orders.id, orders.total" + skeleton[strings.Index(skeleton, " FROM "):] + " LIMIT 3;",
			ok:       true,
		},
		{name: "aggregate", original: "SELECT COUNT(*) FROM orders", ok: false},
		{name: "group by", original: "SELECT customer_id FROM orders GROUP BY customer_id", ok: false},
		{name: "union", original: "SELECT id FROM orders UNION SELECT id FROM customers", ok: false},
		{name: "comma join", original: "SELECT * FROM orders, customers", ok: false},
		{name: "other table", original: "SELECT * FROM customers", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Merge(s, tt.original, g)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMergeBarePredicate(t *testing.T) {
	g := storeGraph()
	s := Suggest(g, "orders")

	got, ok := Merge(s, "SELECT * FROM orders o o.total > 1", g)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(got, " WHERE orders.total > 1;"), got)
}

func TestMergeRejectsSoftFailure(t *testing.T) {
	g := storeGraph()
	_, ok := Merge(Suggest(g, "settings"), "SELECT * FROM settings", g)
	assert.False(t, ok)
}

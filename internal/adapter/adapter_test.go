package adapter

import (
	"testing"

	"sql-agent/internal/introspection"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shopGraph(dialect sqlutil.Dialect) *schemagraph.Graph {
	return schemagraph.Build(&introspection.Schema{
		Dialect:  dialect,
		Database: "shop",
		Tables: []introspection.Table{
			{
				Name: "customers",
				Columns: []introspection.Column{
					{Name: "id", DataType: "int"},
					{Name: "name", DataType: "varchar(100)"},
					{Name: "email", DataType: "varchar(255)"},
				},
				PrimaryKey: []string{"id"},
			},
			{
				Name: "orders",
				Columns: []introspection.Column{
					{Name: "id", DataType: "int"},
					{Name: "customer_id", DataType: "int"},
					{Name: "total", DataType: "decimal(10,2)"},
					{Name: "created_at", DataType: "datetime"},
				},
				PrimaryKey: []string{"id"},
				ForeignKeys: []introspection.ForeignKey{
					{ColumnName: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id", ConstraintName: "orders_ibfk_1", OrdinalPosition: 1},
				},
			},
		},
	})
}

func TestAdaptCorrectsMisspelledTable(t *testing.T) {
	got := Adapt("SELECT * FROM custmers;", shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, "SELECT * FROM customers;", got.SQL)
	assert.Equal(t, "SELECT * FROM custmers;", got.OriginalSQL)
	assert.Equal(t, KindSelect, got.Kind)
	assert.Equal(t, []string{"customers"}, got.Tables)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "custmers")
	assert.Equal(t, []Correction{{Kind: "table", From: "custmers", To: "customers"}}, got.Corrections)
}

func TestAdaptLeavesValidQueryUntouched(t *testing.T) {
	sql := "SELECT o.id, o.total, c.name FROM orders o JOIN customers AS c ON o.customer_id = c.id WHERE o.total > 10 ORDER BY o.created_at DESC LIMIT 5"
	got := Adapt(sql, shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
	assert.Equal(t, []string{"orders", "customers"}, got.Tables)
	assert.Equal(t, "orders", got.MainTable())
	assert.True(t, got.HasJoin())
}

func TestAdaptCorrectsColumns(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "unqualified",
			sql:  "SELECT nmae, emial FROM customers",
			want: "SELECT name, email FROM customers",
		},
		{
			name: "qualified by alias",
			sql:  "SELECT o.totl FROM orders o",
			want: "SELECT o.total FROM orders o",
		},
		{
			name: "qualified by corrected table name",
			sql:  "SELECT custmers.name FROM custmers",
			want: "SELECT customers.name FROM customers",
		},
		{
			name: "plural column",
			sql:  "SELECT totals FROM orders",
			want: "SELECT total FROM orders",
		},
	}

	g := shopGraph(sqlutil.DialectMySQL)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Adapt(tt.sql, g)
			assert.Equal(t, tt.want, got.SQL)
			assert.NotEmpty(t, got.Warnings)
		})
	}
}

func TestAdaptIgnoresNonColumnIdentifiers(t *testing.T) {
	sql := "SELECT COUNT(*) AS order_count, DATE(created_at) day_bucket FROM orders WHERE id = @target GROUP BY day_bucket ORDER BY order_count"
	got := Adapt(sql, shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestAdaptPreservesLiteralsAndComments(t *testing.T) {
	sql := "SELECT name FROM customers -- custmers\nWHERE email = 'custmers@example.com'"
	got := Adapt(sql, shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestAdaptKeepsQuotingStyle(t *testing.T) {
	got := Adapt("SELECT `nme` FROM `custmers`", shopGraph(sqlutil.DialectMySQL))
	assert.Equal(t, "SELECT `name` FROM `customers`", got.SQL)

	got = Adapt(`SELECT "nme" FROM "custmers"`, shopGraph(sqlutil.DialectPostgres))
	assert.Equal(t, `SELECT "name" FROM "customers"`, got.SQL)
}

func TestAdaptMySQLDoubleQuotesAreStrings(t *testing.T) {
	sql := `SELECT name FROM customers WHERE email = "nobody"`
	got := Adapt(sql, shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestAdaptUnresolvableIdentifiersWarn(t *testing.T) {
	got := Adapt("SELECT zzzzzz FROM warehouse_inventory", shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, "SELECT zzzzzz FROM warehouse_inventory", got.SQL)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "unrecognized table 'warehouse_inventory'", got.Warnings[0])
	assert.Empty(t, got.Tables)
}

func TestAdaptDeduplicatesWarnings(t *testing.T) {
	got := Adapt("SELECT nmae FROM customers WHERE nmae LIKE 'a%' ORDER BY nmae", shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, "SELECT name FROM customers WHERE name LIKE 'a%' ORDER BY name", got.SQL)
	assert.Len(t, got.Warnings, 1)
}

func TestAdaptIgnoresExtractFrom(t *testing.T) {
	sql := "SELECT EXTRACT(YEAR FROM created_at) FROM orders"
	got := Adapt(sql, shopGraph(sqlutil.DialectPostgres))

	assert.Equal(t, sql, got.SQL)
	assert.Equal(t, []string{"orders"}, got.Tables)
	assert.Empty(t, got.Warnings)
}

func TestAdaptDerivedTableDisablesUnqualifiedChecks(t *testing.T) {
	sql := "SELECT t.n, whatever FROM (SELECT name AS n FROM customers) t"
	got := Adapt(sql, shopGraph(sqlutil.DialectPostgres))

	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestAdaptInsert(t *testing.T) {
	got := Adapt("INSERT INTO custmers (nme, email) VALUES ('Ann', 'ann@example.com')", shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, KindInsert, got.Kind)
	assert.Equal(t, "INSERT INTO customers (name, email) VALUES ('Ann', 'ann@example.com')", got.SQL)
	assert.Len(t, got.Warnings, 2)
}

func TestAdaptInsertSelect(t *testing.T) {
	got := Adapt("INSERT INTO customers (name) SELECT nme FROM customers", shopGraph(sqlutil.DialectMySQL))
	assert.Equal(t, "INSERT INTO customers (name) SELECT name FROM customers", got.SQL)
}

func TestAdaptUpdateAndDelete(t *testing.T) {
	g := shopGraph(sqlutil.DialectMySQL)

	got := Adapt("UPDATE ordrs SET totl = 0 WHERE id = 1", g)
	assert.Equal(t, KindUpdate, got.Kind)
	assert.Equal(t, "UPDATE orders SET total = 0 WHERE id = 1", got.SQL)

	got = Adapt("DELETE FROM ordrs WHERE customer_idd = 3", g)
	assert.Equal(t, KindDelete, got.Kind)
	assert.Equal(t, "DELETE FROM orders WHERE customer_id = 3", got.SQL)
}

func TestAdaptPassesThroughOtherStatements(t *testing.T) {
	got := Adapt("SHOW TABLES", shopGraph(sqlutil.DialectMySQL))

	assert.Equal(t, KindOther, got.Kind)
	assert.Equal(t, "SHOW TABLES", got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestAdaptStripsFences(t *testing.T) {
	got := Adapt("```sql\nSELECT name FROM customers\n```", shopGraph(sqlutil.DialectMySQL))
	assert.Equal(t, "SELECT name FROM customers", got.SQL)
}

func TestAdaptWithCTE(t *testing.T) {
	sql := "WITH big AS (SELECT id FROM orders WHERE total > 100) SELECT id FROM big"
	got := Adapt(sql, shopGraph(sqlutil.DialectPostgres))

	assert.Equal(t, KindSelect, got.Kind)
	assert.Equal(t, sql, got.SQL)
	assert.Empty(t, got.Warnings)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindSelect, Classify("  select 1"))
	assert.Equal(t, KindSelect, Classify("(SELECT 1) UNION (SELECT 2)"))
	assert.Equal(t, KindInsert, Classify("REPLACE INTO t VALUES (1)"))
	assert.Equal(t, KindDelete, Classify("WITH x AS (SELECT 1) DELETE FROM t"))
	assert.Equal(t, KindOther, Classify("PRAGMA table_info(t)"))
	assert.Equal(t, KindOther, Classify(""))
}

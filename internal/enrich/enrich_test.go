package enrich

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/introspection"
	"sql-agent/internal/schemagraph"
	"sql-agent/internal/sqlutil"
)

func shopGraph() *schemagraph.Graph {
	return schemagraph.Build(&introspection.Schema{
		Dialect: sqlutil.DialectMySQL,
		Tables: []introspection.Table{
			{
				Name:       "customers",
				Columns:    []introspection.Column{{Name: "id", DataType: "int"}, {Name: "name", DataType: "varchar(50)"}},
				PrimaryKey: []string{"id"},
			},
			{
				Name: "orders",
				Columns: []introspection.Column{
					{Name: "id", DataType: "int"},
					{Name: "customer_id", DataType: "int"},
					{Name: "total", DataType: "decimal"},
				},
				PrimaryKey: []string{"id"},
				ForeignKeys: []introspection.ForeignKey{
					{ColumnName: "customer_id", ReferencedTable: "customers", ReferencedColumn: "id", ConstraintName: "fk_customer", OrdinalPosition: 1},
				},
			},
		},
	})
}

func newMock(t *testing.T) (dbexec.QueryExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return dbexec.NewStandardExecutor(db), mock
}

func TestEnrichOutbound(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery("SELECT * FROM customers WHERE id IN (?)").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(5), "Ada"))

	rows := []dbexec.Row{{"id": int64(1), "customer_id": int64(5)}}
	got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "customer_id"}, rows, "orders")
	require.NoError(t, err)
	require.Len(t, got, 1)

	fields := got[0].Fields()
	assert.Equal(t, "Ada", fields["customer_id_display"])
	assert.Equal(t, "5 (Ada)", fields["customer_id"])
	assert.Equal(t, map[string]any{"name": "Ada"}, fields["customer_id_related"])
	assert.Equal(t, int64(5), got[0].Values["customer_id"], "base values stay raw")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichBatchesAndSkipsNulls(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery("SELECT * FROM customers WHERE id IN (?,?)").
		WithArgs(int64(5), int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(5), "Ada"))

	rows := []dbexec.Row{
		{"id": int64(1), "customer_id": int64(5)},
		{"id": int64(2), "customer_id": int64(6)},
		{"id": int64(3), "customer_id": nil},
		{"id": int64(4), "customer_id": int64(5)},
	}
	got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "customer_id"}, rows, "orders")
	require.NoError(t, err)

	assert.Equal(t, "5 (Ada)", got[0].Fields()["customer_id"])
	assert.Equal(t, "5 (Ada)", got[3].Fields()["customer_id"])

	// Missing target and null FK leave the row untouched.
	assert.NotContains(t, got[1].Fields(), "customer_id_display")
	assert.Equal(t, int64(6), got[1].Fields()["customer_id"])
	assert.NotContains(t, got[2].Fields(), "customer_id_display")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichInbound(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery("SELECT * FROM orders WHERE customer_id IN (?,?)").
		WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "total"}).
			AddRow(int64(10), int64(5), "12.50").
			AddRow(int64(11), int64(5), "3.00"))

	rows := []dbexec.Row{
		{"id": int64(5), "name": "Ada"},
		{"id": int64(7), "name": "Grace"},
	}
	got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "name"}, rows, "customers")
	require.NoError(t, err)

	collections := got[0].Collections["orders"]
	require.Len(t, collections, 2)
	assert.Equal(t, int64(10), collections[0].ID)
	assert.Equal(t, "12.50", collections[0].Display)
	assert.Equal(t, map[string]any{"id": int64(10), "total": "12.50"}, collections[0].Data)

	assert.NotContains(t, got[1].Fields(), "related_collections")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichInboundCapsEachParentSeparately(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery("SELECT * FROM orders WHERE customer_id IN (?,?)").
		WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "total"}).
			AddRow(int64(10), int64(5), "1.00").
			AddRow(int64(11), int64(5), "2.00").
			AddRow(int64(12), int64(5), "3.00").
			AddRow(int64(13), int64(7), "4.00"))

	rows := []dbexec.Row{
		{"id": int64(5), "name": "Ada"},
		{"id": int64(7), "name": "Grace"},
	}
	got, err := New(exec, shopGraph(), Options{MaxCollection: 2}).Enrich(t.Context(), []string{"id", "name"}, rows, "customers")
	require.NoError(t, err)

	require.Len(t, got[0].Collections["orders"], 2)
	assert.Equal(t, int64(10), got[0].Collections["orders"][0].ID)
	require.Len(t, got[1].Collections["orders"], 1)
	assert.Equal(t, int64(13), got[1].Collections["orders"][0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichJSONDecodedKeys(t *testing.T) {
	body := `[{"id":1,"customer_id":1000000}]`

	t.Run("float64", func(t *testing.T) {
		exec, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM customers WHERE id IN (?)").
			WithArgs(float64(1000000)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1000000), "Ada"))

		var rows []dbexec.Row
		require.NoError(t, json.Unmarshal([]byte(body), &rows))
		got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "customer_id"}, rows, "orders")
		require.NoError(t, err)

		fields := got[0].Fields()
		assert.Equal(t, "Ada", fields["customer_id_display"])
		assert.Equal(t, "1000000 (Ada)", fields["customer_id"])
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("use number", func(t *testing.T) {
		exec, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM customers WHERE id IN (?)").
			WithArgs(int64(1000000)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1000000), "Ada"))

		var rows []dbexec.Row
		dec := json.NewDecoder(strings.NewReader(body))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&rows))
		dbexec.NormalizeJSONRows(rows)

		got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "customer_id"}, rows, "orders")
		require.NoError(t, err)
		assert.Equal(t, "1000000 (Ada)", got[0].Fields()["customer_id"])
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEnrichLookupFailureKeepsRows(t *testing.T) {
	exec, mock := newMock(t)
	mock.ExpectQuery("SELECT * FROM customers WHERE id IN (?)").
		WillReturnError(errors.New("connection reset"))

	rows := []dbexec.Row{{"id": int64(1), "customer_id": int64(5)}}
	got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"id", "customer_id"}, rows, "orders")
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].Fields()["customer_id"])
}

func TestEnrichUnknownTableIsNoop(t *testing.T) {
	exec, mock := newMock(t)
	rows := []dbexec.Row{{"x": 1}}
	got, err := New(exec, shopGraph(), Options{}).Enrich(t.Context(), []string{"x"}, rows, "nowhere")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, got[0].Fields())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrichedRowJSON(t *testing.T) {
	row := EnrichedRow{
		Values: dbexec.Row{"id": int64(1), "customer_id": int64(5)},
		References: map[string]*Reference{
			"customer_id": {Table: "customers", Raw: int64(5), Display: "Ada", Data: map[string]any{"name": "Ada"}},
		},
	}
	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"customer_id":"5 (Ada)","customer_id_display":"Ada","customer_id_related":{"name":"Ada"}}`, string(data))
}

func TestDisplayField(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		pk      []string
		want    string
	}{
		{"preferred", []string{"id", "code", "title"}, []string{"id"}, "title"},
		{"descriptive", []string{"id", "owner_id", "full_text"}, []string{"id"}, "full_text"},
		{"first non key", []string{"id", "created_at", "amount"}, []string{"id"}, "amount"},
		{"id-like non key", []string{"id", "owner_id"}, []string{"id"}, "owner_id"},
		{"key only", []string{"id"}, []string{"id"}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := &schemagraph.TableSchema{PrimaryKey: tt.pk}
			for _, c := range tt.columns {
				table.Columns = append(table.Columns, schemagraph.Column{Name: c})
			}
			assert.Equal(t, tt.want, DisplayField(table))
		})
	}
}

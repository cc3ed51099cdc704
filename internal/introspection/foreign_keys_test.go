package introspection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForeignKeyConstraints_GroupsByConstraintName(t *testing.T) {
	table := Table{
		Name: "membership",
		ForeignKeys: []ForeignKey{
			{ConstraintName: "fk_user", ColumnName: "user_id", ReferencedTable: "users", ReferencedColumn: "id", OrdinalPosition: 2},
			{ConstraintName: "fk_user", ColumnName: "tenant_id", ReferencedTable: "users", ReferencedColumn: "tenant_id", OrdinalPosition: 1},
			{ConstraintName: "fk_group", ColumnName: "group_id", ReferencedTable: "groups", ReferencedColumn: "id", OrdinalPosition: 1},
		},
	}

	got := table.ForeignKeyConstraints()
	require.Len(t, got, 2)

	assert.Equal(t, "fk_group", got[0].ConstraintName)
	assert.Equal(t, "membership", got[0].Table)
	assert.Equal(t, "fk_user", got[1].ConstraintName)
	assert.Equal(t, []string{"tenant_id", "user_id"}, got[1].Columns)
	assert.Equal(t, []string{"tenant_id", "id"}, got[1].ReferencedColumns)
}

func TestForeignKeyConstraints_UnnamedRowsStayIsolated(t *testing.T) {
	table := Table{
		Name: "posts",
		ForeignKeys: []ForeignKey{
			{ColumnName: "author_id", ReferencedTable: "users", ReferencedColumn: "id"},
			{ColumnName: "editor_id", ReferencedTable: "users", ReferencedColumn: "id"},
		},
	}

	got := table.ForeignKeyConstraints()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].Columns[0], got[1].Columns[0])
}

func TestForeignKeyConstraints_Empty(t *testing.T) {
	assert.Nil(t, Table{Name: "t"}.ForeignKeyConstraints())
}

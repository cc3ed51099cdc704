package introspection

import (
	"fmt"
	"sort"
)

// ForeignKeyConstraint is one FK constraint with positionally paired columns.
type ForeignKeyConstraint struct {
	ConstraintName    string
	Table             string
	Columns           []string
	ReferencedTable   string
	ReferencedColumns []string
}

// ForeignKeyConstraints groups the table's per-column FK rows by constraint,
// ordered by constraint name then ordinal position.
func (t Table) ForeignKeyConstraints() []ForeignKeyConstraint {
	if len(t.ForeignKeys) == 0 {
		return nil
	}

	type keyed struct {
		key   string
		fk    ForeignKey
		index int
	}
	rows := make([]keyed, 0, len(t.ForeignKeys))
	for i, fk := range t.ForeignKeys {
		key := fk.ConstraintName
		if key == "" {
			// Unnamed rows never merge with each other.
			key = fmt.Sprintf("__unnamed_%d", i)
		}
		rows = append(rows, keyed{key: key, fk: fk, index: i})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].key != rows[j].key {
			return rows[i].key < rows[j].key
		}
		if rows[i].fk.OrdinalPosition != rows[j].fk.OrdinalPosition {
			return rows[i].fk.OrdinalPosition < rows[j].fk.OrdinalPosition
		}
		return rows[i].index < rows[j].index
	})

	var result []ForeignKeyConstraint
	lastKey := ""
	for _, row := range rows {
		if len(result) == 0 || row.key != lastKey {
			result = append(result, ForeignKeyConstraint{
				ConstraintName:  row.fk.ConstraintName,
				Table:           t.Name,
				ReferencedTable: row.fk.ReferencedTable,
			})
			lastKey = row.key
		}
		current := &result[len(result)-1]
		current.Columns = append(current.Columns, row.fk.ColumnName)
		current.ReferencedColumns = append(current.ReferencedColumns, row.fk.ReferencedColumn)
	}
	return result
}

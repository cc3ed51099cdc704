//go:build integration

package introspection

import (
	"database/sql"
	"testing"

	"sql-agent/internal/dbexec"
	"sql-agent/internal/sqlutil"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestIntrospectPostgresContainer(t *testing.T) {
	ctx := t.Context()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("shop"),
		postgres.WithUsername("agent"),
		postgres.WithPassword("agent"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	for _, stmt := range []string{
		`CREATE TABLE customers (id SERIAL PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE orders (id SERIAL PRIMARY KEY, customer_id INT REFERENCES customers(id), total NUMERIC(10,2))`,
		`CREATE TABLE regions (code TEXT, country TEXT, PRIMARY KEY (country, code))`,
		`CREATE TABLE stores (id SERIAL PRIMARY KEY, country TEXT, region TEXT,
			FOREIGN KEY (country, region) REFERENCES regions(country, code))`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	schema, err := IntrospectDatabase(ctx, dbexec.NewStandardExecutor(db), sqlutil.DialectPostgres, "")
	require.NoError(t, err)
	assert.Equal(t, "public", schema.Database)

	byName := map[string]Table{}
	for _, table := range schema.Tables {
		byName[table.Name] = table
	}
	require.Contains(t, byName, "orders")
	assert.Equal(t, []string{"id"}, byName["orders"].PrimaryKey)

	constraints := byName["stores"].ForeignKeyConstraints()
	require.Len(t, constraints, 1)
	assert.Equal(t, []string{"country", "region"}, constraints[0].Columns)
	assert.Equal(t, []string{"country", "code"}, constraints[0].ReferencedColumns)
}

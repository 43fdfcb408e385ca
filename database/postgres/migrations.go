package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stashgate/stashgate"
)

// quoteIdentifier safely quotes a PostgreSQL identifier
func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

type TableMigration struct {
	TableName string
	Up        func(ctx context.Context, pool *pgxpool.Pool) error
	Down      func(ctx context.Context, pool *pgxpool.Pool) error
}

// getTableMigrations returns all table migrations for the app
func getTableMigrations(tables stashgate.Tables) []TableMigration {
	migrations := []TableMigration{}

	migrations = append(migrations, TableMigration{
		TableName: tables.Cells,
		Up:        createCellsTable(tables.Cells),
		Down:      dropTable(tables.Cells),
	})

	return migrations
}

func Migrate(ctx context.Context, pool *pgxpool.Pool, tables stashgate.Tables) error {
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	for _, migration := range getTableMigrations(tables) {
		if err := migration.Up(ctx, pool); err != nil {
			return fmt.Errorf("migrate up %s: %w", migration.TableName, err)
		}
	}

	return nil
}

func DropTables(ctx context.Context, pool *pgxpool.Pool, tables stashgate.Tables) error {
	migrations := getTableMigrations(tables)

	for i := len(migrations) - 1; i >= 0; i-- {
		migration := migrations[i]
		if err := migration.Down(ctx, pool); err != nil {
			return fmt.Errorf("migrate down %s: %w", migration.TableName, err)
		}
	}

	return nil
}

func createCellsTable(tableName string) func(context.Context, *pgxpool.Pool) error {
	return func(ctx context.Context, pool *pgxpool.Pool) error {
		quotedTable := quoteIdentifier(tableName)
		indexExpiry := quoteIdentifier(fmt.Sprintf("idx_%s_expire_at_ms", tableName))

		createTableSQL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT NOT NULL PRIMARY KEY,
				payload BYTEA,
				expire_at_ms BIGINT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, quotedTable)

		if _, err := pool.Exec(ctx, createTableSQL); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		indexSQL := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s ON %s (expire_at_ms) WHERE expire_at_ms IS NOT NULL
		`, indexExpiry, quotedTable)

		if _, err := pool.Exec(ctx, indexSQL); err != nil {
			return fmt.Errorf("create index expire_at_ms: %w", err)
		}

		return nil
	}
}

func dropTable(tableName string) func(context.Context, *pgxpool.Pool) error {
	return func(ctx context.Context, pool *pgxpool.Pool) error {
		quotedTable := quoteIdentifier(tableName)
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", quotedTable)

		_, err := pool.Exec(ctx, dropSQL)
		return err
	}
}

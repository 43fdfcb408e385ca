package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/cellstore"
	"github.com/stashgate/stashgate/database/postgres"
	"github.com/stashgate/stashgate/database/sqlite"

	_ "modernc.org/sqlite" // SQLite driver
)

// Config holds the configuration for connecting to a cell backend.
type Config struct {
	// Type specifies the backend: "memory", "sqlite" or "postgres"
	Type string `mapstructure:"type" validate:"oneof=memory sqlite postgres"`
	// DSN is the data source name (connection string)
	DSN string `mapstructure:"dsn"`
	// Table is the name of the cells table
	Table string `mapstructure:"table"`
}

// Connect establishes a connection to the configured backend, runs
// migrations and returns a CellRepo. The returned cleanup function should be
// called to close the connection.
func Connect(ctx context.Context, cfg Config) (stashgate.CellRepo, func(), error) {
	tables := stashgate.Tables{Cells: cfg.Table}

	switch cfg.Type {
	case "memory":
		return cellstore.NewMemory(), func() {}, nil
	case "sqlite":
		return connectSQLite(ctx, cfg.DSN, tables)
	case "postgres":
		return connectPostgres(ctx, cfg.DSN, tables)
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func connectSQLite(ctx context.Context, dsn string, tables stashgate.Tables) (stashgate.CellRepo, func(), error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite permits one writer at a time; a second pooled connection would
	// surface SQLITE_BUSY instead of queueing, so every Update shares one
	// connection and serializes in arrival order.
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err = sqlite.Migrate(ctx, db, tables); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	repo, err := sqlite.NewRepo(db, tables)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create sqlite repo: %w", err)
	}

	cleanup := func() {
		_ = db.Close()
	}

	return repo, cleanup, nil
}

func connectPostgres(ctx context.Context, dsn string, tables stashgate.Tables) (stashgate.CellRepo, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err = postgres.Migrate(ctx, pool, tables); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	repo, err := postgres.NewRepo(pool, tables)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create postgres repo: %w", err)
	}

	return repo, pool.Close, nil
}

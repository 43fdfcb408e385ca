// Package postgres implements the cell repo on PostgreSQL
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stashgate/stashgate"
)

type Repo struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewRepo creates a cell repo over a connection pool. Tables must already be
// migrated.
func NewRepo(pool *pgxpool.Pool, tables stashgate.Tables) (*Repo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}
	return &Repo{pool: pool, tableName: quoteIdentifier(tables.Cells)}, nil
}

// Ping verifies database connectivity
func (r *Repo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repo) Update(ctx context.Context, key string, expireAt time.Time, fn func(payload []byte) ([]byte, error)) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Materialize the row first so SELECT FOR UPDATE always has something
	// to lock; concurrent writers on the same key then queue behind it.
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (key, payload, expire_at_ms)
		VALUES ($1, NULL, NULL)
		ON CONFLICT (key) DO NOTHING
	`, r.tableName)
	if _, err = tx.Exec(ctx, insertQuery, key); err != nil {
		return fmt.Errorf("update: insert placeholder: %w", err)
	}

	selectQuery := fmt.Sprintf(`SELECT payload FROM %s WHERE key = $1 FOR UPDATE`, r.tableName)
	var payload []byte
	if err = tx.QueryRow(ctx, selectQuery, key).Scan(&payload); err != nil {
		return fmt.Errorf("update: select: %w", err)
	}

	next, err := fn(payload)
	if err != nil {
		return err
	}

	var expireArg any
	if !expireAt.IsZero() {
		expireArg = expireAt.UnixMilli()
	}
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET payload = $1, expire_at_ms = COALESCE($2, expire_at_ms), updated_at = NOW()
		WHERE key = $3
	`, r.tableName)
	if _, err = tx.Exec(ctx, updateQuery, next, expireArg, key); err != nil {
		return fmt.Errorf("update: write: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("update: commit: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE key = $1`, r.tableName)

	var payload []byte
	err := r.pool.QueryRow(ctx, query, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stashgate.ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	if payload == nil {
		return nil, stashgate.ErrNotFound
	}
	return payload, nil
}

func (r *Repo) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE expire_at_ms IS NOT NULL AND expire_at_ms <= $1
	`, r.tableName)

	tag, err := r.pool.Exec(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

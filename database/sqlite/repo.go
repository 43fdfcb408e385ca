// Package sqlite implements the cell repo on SQLite
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stashgate/stashgate"
)

type repo struct {
	db        *sql.DB
	tableName string
}

// NewRepo creates a cell repo over an open SQLite handle. Tables must
// already be migrated.
func NewRepo(db *sql.DB, tables stashgate.Tables) (stashgate.CellRepo, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("new repo: %w", err)
	}
	return &repo{db: db, tableName: quoteIdentifier(tables.Cells)}, nil
}

func (r *repo) Update(ctx context.Context, key string, expireAt time.Time, fn func(payload []byte) ([]byte, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	// The placeholder insert takes the write lock up front, so the
	// read-modify-write below cannot interleave with another writer.
	insertQuery := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`INSERT INTO %s (key, payload, expire_at_ms, updated_at)
		VALUES (?, NULL, NULL, ?)
		ON CONFLICT (key) DO NOTHING`, r.tableName)
	if _, err = tx.ExecContext(ctx, insertQuery, key, now); err != nil {
		return fmt.Errorf("update: insert placeholder: %w", err)
	}

	selectQuery := fmt.Sprintf(`SELECT payload FROM %s WHERE key = ?`, r.tableName) //nolint:gosec // table name is validated
	var payload []byte
	if err = tx.QueryRowContext(ctx, selectQuery, key).Scan(&payload); err != nil {
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
	updateQuery := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`UPDATE %s
		SET payload = ?, expire_at_ms = COALESCE(?, expire_at_ms), updated_at = ?
		WHERE key = ?`, r.tableName)
	if _, err = tx.ExecContext(ctx, updateQuery, next, expireArg, now, key); err != nil {
		return fmt.Errorf("update: write: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("update: commit: %w", err)
	}
	return nil
}

func (r *repo) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE key = ?`, r.tableName) //nolint:gosec // table name is validated

	var payload []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stashgate.ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	if payload == nil {
		// NULL payload means the cell was never written.
		return nil, stashgate.ErrNotFound
	}
	return payload, nil
}

func (r *repo) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf( //nolint:gosec // G201: table name is validated
		`DELETE FROM %s WHERE expire_at_ms IS NOT NULL AND expire_at_ms <= ?`, r.tableName)

	result, err := r.db.ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: rows affected: %w", err)
	}
	return int(removed), nil
}

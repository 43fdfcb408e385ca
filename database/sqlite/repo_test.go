package sqlite_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/database/sqlite"

	_ "modernc.org/sqlite"
)

func newTestRepo(t *testing.T) stashgate.CellRepo {
	t.Helper()

	db, err := sql.Open("sqlite", "file:cells_test?mode=memory&cache=shared")
	require.NoError(t, err)
	// Shared-cache in-memory databases vanish when the last connection
	// closes. The single connection matches how Connect opens the pool.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	tables := stashgate.Tables{Cells: "cells"}
	require.NoError(t, sqlite.Migrate(context.Background(), db, tables))

	repo, err := sqlite.NewRepo(db, tables)
	require.NoError(t, err)
	return repo
}

func TestNewRepoRejectsBadTableName(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = sqlite.NewRepo(db, stashgate.Tables{Cells: `cells"; DROP TABLE x; --`})
	assert.ErrorIs(t, err, stashgate.ErrConfig)
}

func TestUpdateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, err := repo.Get(ctx, "k")
	assert.ErrorIs(t, err, stashgate.ErrNotFound)

	err = repo.Update(ctx, "k", time.Time{}, func(payload []byte) ([]byte, error) {
		assert.Nil(t, payload)
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	err = repo.Update(ctx, "k", time.Time{}, func(payload []byte) ([]byte, error) {
		assert.Equal(t, []byte("v1"), payload)
		return []byte("v2"), nil
	})
	require.NoError(t, err)

	got, err = repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestUpdateErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	require.NoError(t, repo.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("v1"), nil
	}))

	err := repo.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// An aborted update of a fresh key must not leave a phantom cell.
	err = repo.Update(ctx, "fresh", time.Time{}, func([]byte) ([]byte, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	_, err = repo.Get(ctx, "fresh")
	assert.ErrorIs(t, err, stashgate.ErrNotFound)
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Update(ctx, "counter", time.Time{}, func(payload []byte) ([]byte, error) {
				return append(payload, 'x'), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, got, n)
}

func TestExpiryHandling(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	now := time.Now()

	require.NoError(t, repo.Update(ctx, "stale", now.Add(-time.Minute), func([]byte) ([]byte, error) {
		return []byte("old"), nil
	}))
	require.NoError(t, repo.Update(ctx, "fresh", now.Add(time.Hour), func([]byte) ([]byte, error) {
		return []byte("new"), nil
	}))
	require.NoError(t, repo.Update(ctx, "forever", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("keep"), nil
	}))

	// A zero expiry on a later update keeps the earlier deadline.
	require.NoError(t, repo.Update(ctx, "stale", time.Time{}, func(payload []byte) ([]byte, error) {
		return payload, nil
	}))

	removed, err := repo.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, "stale")
	assert.ErrorIs(t, err, stashgate.ErrNotFound)
	_, err = repo.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "forever")
	assert.NoError(t, err)

	removed, err = repo.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, removed, "purge is idempotent")
}

func TestDropTables(t *testing.T) {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	tables := stashgate.Tables{Cells: "cells"}
	require.NoError(t, sqlite.Migrate(ctx, db, tables))
	require.NoError(t, sqlite.DropTables(ctx, db, tables))

	// Migrating again after a drop recreates the schema from scratch.
	require.NoError(t, sqlite.Migrate(ctx, db, tables))
}

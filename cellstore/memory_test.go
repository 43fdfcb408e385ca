package cellstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashgate/stashgate"
)

func TestMemoryUpdateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, stashgate.ErrNotFound)

	err = m.Update(ctx, "k", time.Time{}, func(payload []byte) ([]byte, error) {
		assert.Nil(t, payload, "fresh cell must present nil payload")
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestMemoryUpdateErrorAborts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("v1"), nil
	}))

	boom := assert.AnError
	err := m.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got, "failed update must not change the payload")
}

func TestMemoryAbortedFreshUpdateLeavesNoCell(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Repeated failed lookups of unknown keys, like guessing download
	// tokens, must not accumulate cells.
	for i := 0; i < 3; i++ {
		err := m.Update(ctx, "ghost", time.Time{}, func(payload []byte) ([]byte, error) {
			assert.Nil(t, payload)
			return nil, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
	}

	m.mu.Lock()
	_, exists := m.cells["ghost"]
	size := len(m.cells)
	m.mu.Unlock()
	assert.False(t, exists)
	assert.Zero(t, size)

	// A cell that already holds data survives a later aborted update.
	require.NoError(t, m.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("v1"), nil
	}))
	err := m.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestMemoryKeyIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Update(ctx, "a", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("alpha"), nil
	}))
	require.NoError(t, m.Update(ctx, "b", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("beta"), nil
	}))

	a, err := m.Get(ctx, "a")
	require.NoError(t, err)
	b, err := m.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), a)
	assert.Equal(t, []byte("beta"), b)
}

func TestMemorySerializedUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Update(ctx, "counter", time.Time{}, func(payload []byte) ([]byte, error) {
				return append(payload, 'x'), nil
			})
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, got, n, "every read-modify-write must be applied exactly once")
}

func TestMemoryPurgeExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	require.NoError(t, m.Update(ctx, "stale", now.Add(-time.Minute), func([]byte) ([]byte, error) {
		return []byte("old"), nil
	}))
	require.NoError(t, m.Update(ctx, "fresh", now.Add(time.Hour), func([]byte) ([]byte, error) {
		return []byte("new"), nil
	}))
	require.NoError(t, m.Update(ctx, "forever", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("keep"), nil
	}))

	removed, err := m.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.Get(ctx, "stale")
	assert.ErrorIs(t, err, stashgate.ErrNotFound)
	_, err = m.Get(ctx, "fresh")
	assert.NoError(t, err)
	_, err = m.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryContextCancelled(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Update(ctx, "k", time.Time{}, func([]byte) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

package cellstore

import (
	"context"
	"sync"
	"time"

	"github.com/stashgate/stashgate"
)

type cell struct {
	mu       sync.Mutex
	payload  []byte
	expireAt time.Time

	// gone marks a cell deleted from the map while a waiter may still hold
	// its pointer; such waiters must fetch the key again.
	gone bool
}

// Memory is a process-local cell store. Each key owns a mutex, so updates
// on the same key serialize while distinct keys proceed concurrently.
type Memory struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// NewMemory creates an empty in-memory cell store.
func NewMemory() *Memory {
	return &Memory{cells: make(map[string]*cell)}
}

func (m *Memory) cellFor(key string) *cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[key]
	if !ok {
		c = &cell{}
		m.cells[key] = c
	}
	return c
}

// Update implements stashgate.CellRepo.
func (m *Memory) Update(ctx context.Context, key string, expireAt time.Time, fn func(payload []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for {
		c := m.cellFor(key)
		c.mu.Lock()
		if c.gone {
			c.mu.Unlock()
			continue
		}

		next, err := fn(c.payload)
		if err != nil {
			fresh := c.payload == nil
			c.mu.Unlock()
			if fresh {
				// The cell was allocated for this aborted update; drop it
				// so probing unknown keys cannot grow the map.
				m.discardEmpty(key, c)
			}
			return err
		}
		c.payload = next
		if !expireAt.IsZero() {
			c.expireAt = expireAt
		}
		c.mu.Unlock()
		return nil
	}
}

// discardEmpty removes key's cell if it is still c and still holds no
// payload. Lock order is map then cell, same as PurgeExpired.
func (m *Memory) discardEmpty(key string, c *cell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cells[key] != c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil {
		c.gone = true
		delete(m.cells, key)
	}
}

// Get implements stashgate.CellRepo.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	c, ok := m.cells[key]
	m.mu.Unlock()
	if !ok {
		return nil, stashgate.ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone || c.payload == nil {
		return nil, stashgate.ErrNotFound
	}
	out := make([]byte, len(c.payload))
	copy(out, c.payload)
	return out, nil
}

// PurgeExpired implements stashgate.CellRepo.
func (m *Memory) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, c := range m.cells {
		c.mu.Lock()
		if !c.expireAt.IsZero() && !c.expireAt.After(cutoff) {
			c.gone = true
			delete(m.cells, key)
			removed++
		}
		c.mu.Unlock()
	}
	return removed, nil
}

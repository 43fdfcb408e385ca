package stashgate

import (
	"context"
	"time"
)

// CellRepo is a keyed durable cell store. Every distinct key addresses its
// own independently persisted cell with single-writer semantics: Update
// serializes with every other Update on the same key, and no operation ever
// reads or mutates another key's state. The same primitive backs rate-limit
// windows, one-time download tokens and download-dedup flags; the payload is
// an opaque byte slice owned by the caller.
//
// All methods accept a context for cancellation and timeout control.
type CellRepo interface {
	// Update runs fn against the current payload of key under the key's
	// writer lock and persists the returned payload before unlocking.
	// A cell that does not exist yet is presented to fn as a nil payload.
	// If expireAt is non-zero the cell becomes eligible for PurgeExpired
	// once that instant passes; a zero expireAt leaves any existing expiry
	// unchanged. An error from fn aborts the update and is returned as-is.
	Update(ctx context.Context, key string, expireAt time.Time, fn func(payload []byte) ([]byte, error)) error

	// Get returns the current payload of key, or ErrNotFound if the cell
	// does not exist. Expiry is the caller's concern: payloads carry their
	// own deadlines and Get does not filter expired cells.
	Get(ctx context.Context, key string) ([]byte, error)

	// PurgeExpired removes cells whose expiry instant is at or before
	// cutoff and returns how many were removed. Maintenance only; correct
	// behavior never depends on purging having run.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

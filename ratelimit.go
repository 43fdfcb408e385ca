package stashgate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// windowCell is the persisted state of one fixed rate-limit window.
type windowCell struct {
	WindowStartMs int64 `json:"window_start_ms"`
	Count         int   `json:"count"`
}

// onceCell is the persisted state of one dedup marker.
type onceCell struct {
	ExpireAtMs int64 `json:"expire_at_ms"`
}

// RateLimiter counts events per key in fixed windows on top of a CellRepo.
// Each key is an independent cell, so callers compose scopes by choice of
// key ("rl:item:...", "rl:user:...", "rl:global").
type RateLimiter struct {
	repo CellRepo

	// Now is the clock used for window arithmetic. Overridable in tests.
	Now func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by repo.
func NewRateLimiter(repo CellRepo) *RateLimiter {
	return &RateLimiter{repo: repo, Now: time.Now}
}

// Check records one event against key and reports whether it fit within
// limit events per windowSeconds. The count is incremented whether or not
// the event is allowed, so denied attempts keep consuming the window.
// A stale window resets to a fresh one starting now.
func (l *RateLimiter) Check(ctx context.Context, key string, limit, windowSeconds int) (Decision, error) {
	if limit < 1 || windowSeconds < 1 {
		return Decision{}, fmt.Errorf("check %q: limit and window must be positive: %w", key, ErrInvalidInput)
	}

	nowMs := l.Now().UnixMilli()
	windowMs := int64(windowSeconds) * 1000

	var decision Decision
	err := l.repo.Update(ctx, key, time.UnixMilli(nowMs+windowMs), func(payload []byte) ([]byte, error) {
		var cell windowCell
		if payload != nil {
			if err := json.Unmarshal(payload, &cell); err != nil {
				// A corrupt cell denies nothing it should allow; start over.
				cell = windowCell{}
			}
		}

		if cell.WindowStartMs == 0 || nowMs-cell.WindowStartMs >= windowMs {
			cell.WindowStartMs = nowMs
			cell.Count = 0
		}
		cell.Count++

		decision = Decision{
			Allowed:   cell.Count <= limit,
			Remaining: max(0, limit-cell.Count),
			ResetAtMs: cell.WindowStartMs + windowMs,
		}
		return json.Marshal(cell)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("check %q: %w", key, err)
	}
	return decision, nil
}

// Once reports whether key is being seen for the first time within ttl.
// The first call claims the marker and returns true; later calls return
// false until the marker expires. Claim and test are a single atomic step.
func (l *RateLimiter) Once(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	nowMs := l.Now().UnixMilli()
	expireAtMs := nowMs + ttl.Milliseconds()

	var first bool
	err := l.repo.Update(ctx, key, time.UnixMilli(expireAtMs), func(payload []byte) ([]byte, error) {
		var cell onceCell
		if payload != nil && json.Unmarshal(payload, &cell) == nil && cell.ExpireAtMs > nowMs {
			first = false
			return payload, nil
		}
		first = true
		return json.Marshal(onceCell{ExpireAtMs: expireAtMs})
	})
	if err != nil {
		return false, fmt.Errorf("once %q: %w", key, err)
	}
	return first, nil
}

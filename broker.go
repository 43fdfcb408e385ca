package stashgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// BrokerConfig tunes token issuance and the layered download limits.
type BrokerConfig struct {
	Bucket string `mapstructure:"bucket" validate:"required"`

	// DefaultTTLMinutes is the token lifetime when the caller asks for none.
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes" validate:"min=1"`
	// MaxTTLMinutes caps any requested lifetime.
	MaxTTLMinutes int `mapstructure:"max_ttl_minutes" validate:"min=1"`
	// OneTime makes every issued token single-use.
	OneTime bool `mapstructure:"one_time"`

	// Per-window limits for the three issuance scopes. A zero limit
	// disables that scope.
	ItemLimit     int `mapstructure:"item_limit"`
	UserLimit     int `mapstructure:"user_limit"`
	GlobalLimit   int `mapstructure:"global_limit"`
	WindowSeconds int `mapstructure:"window_seconds" validate:"min=1"`

	// DedupWindow is how long repeat downloads by the same user of the same
	// item count as one.
	DedupWindow time.Duration `mapstructure:"dedup_window"`
}

// DefaultBrokerConfig returns the stock policy.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		DefaultTTLMinutes: 10,
		MaxTTLMinutes:     120,
		OneTime:           true,
		ItemLimit:         10,
		UserLimit:         30,
		GlobalLimit:       300,
		WindowSeconds:     60,
		DedupWindow:       time.Hour,
	}
}

// DownloadBroker issues opaque download tokens and resolves them into
// short-lived presigned URLs. Authorization, layered rate limiting, token
// minting and the final signing all live behind its two entry points, so a
// storage key never crosses the trust boundary.
type DownloadBroker struct {
	signer  *Signer
	limiter *RateLimiter
	tokens  *TokenStore
	repo    CellRepo
	cfg     BrokerConfig

	// Now is the clock for TTL and expiry math. Overridable in tests.
	Now func() time.Time
}

// NewDownloadBroker wires a broker from its collaborators.
func NewDownloadBroker(signer *Signer, repo CellRepo, cfg BrokerConfig) *DownloadBroker {
	b := &DownloadBroker{
		signer:  signer,
		limiter: NewRateLimiter(repo),
		tokens:  NewTokenStore(repo),
		repo:    repo,
		cfg:     cfg,
		Now:     time.Now,
	}
	// The limiter and token store follow the broker's clock so all expiry
	// math inside one call agrees on "now".
	b.limiter.Now = func() time.Time { return b.Now() }
	b.tokens.Now = func() time.Time { return b.Now() }
	return b
}

// Issue authorizes req and mints a download token for it.
//
// Private items are only issued to their owner (ErrForbidden otherwise).
// The item, user and global scopes are then checked in that order; every
// check consumes a slot in its window even when a later scope denies, and a
// denial surfaces as a *RateLimitError naming the scope. The requested TTL
// is clamped to [1, MaxTTLMinutes].
func (b *DownloadBroker) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if req.ItemID == "" || req.RequesterID == "" || req.StorageKey == "" {
		return IssueResult{}, fmt.Errorf("issue: item, requester and storage key are required: %w", ErrInvalidInput)
	}
	if req.Visibility != VisibilityPublic && req.RequesterID != req.OwnerID {
		return IssueResult{}, fmt.Errorf("issue: item %s is private: %w", req.ItemID, ErrForbidden)
	}

	// The item scope is per requester so one hot item cannot lock out
	// everyone else; user and global scopes aggregate across items.
	itemKey := "rl:item:" + req.ItemID + ":" + req.RequesterID
	if req.RequesterIP != "" {
		itemKey += ":" + req.RequesterIP
	}
	scopes := []struct {
		name  string
		key   string
		limit int
	}{
		{name: "item", key: itemKey, limit: b.cfg.ItemLimit},
		{name: "user", key: "rl:user:" + req.RequesterID, limit: b.cfg.UserLimit},
		{name: "global", key: "rl:global", limit: b.cfg.GlobalLimit},
	}
	for _, scope := range scopes {
		if scope.limit <= 0 {
			continue
		}
		d, err := b.limiter.Check(ctx, scope.key, scope.limit, b.cfg.WindowSeconds)
		if err != nil {
			return IssueResult{}, fmt.Errorf("issue: %w", err)
		}
		if !d.Allowed {
			return IssueResult{}, &RateLimitError{Scope: scope.name, ResetAtMs: d.ResetAtMs}
		}
	}

	// Zero means unspecified; anything else is a real request and gets
	// clamped, so a negative lifetime becomes the one-minute floor.
	ttl := req.TTLMinutes
	if ttl == 0 {
		ttl = b.cfg.DefaultTTLMinutes
	}
	if ttl < 1 {
		ttl = 1
	}
	if ttl > b.cfg.MaxTTLMinutes {
		ttl = b.cfg.MaxTTLMinutes
	}

	now := b.Now()
	token, err := b.tokens.Create(ctx, DownloadToken{
		ItemID:     req.ItemID,
		UserID:     req.RequesterID,
		StorageKey: req.StorageKey,
		ExpireAtMs: now.Add(time.Duration(ttl) * time.Minute).UnixMilli(),
		OneTime:    b.cfg.OneTime,
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("issue: %w", err)
	}

	return IssueResult{Token: token, TTLMinutes: ttl}, nil
}

// Resolve redeems token and signs a GET for the object behind it. The
// presigned URL expires when the token would have, so a leaked URL is never
// better than the token itself. filename, when non-empty, is reflected back
// through a Content-Disposition response override; forceDownload switches it
// from inline to attachment.
func (b *DownloadBroker) Resolve(ctx context.Context, token, filename string, forceDownload bool) (string, DownloadToken, error) {
	tok, err := b.tokens.Redeem(ctx, token)
	if err != nil {
		return "", DownloadToken{}, fmt.Errorf("resolve: %w", err)
	}

	remaining := int((tok.ExpireAtMs - b.Now().UnixMilli() + 999) / 1000)

	sub := url.Values{}
	if filename != "" || forceDownload {
		disposition := "inline"
		if forceDownload {
			disposition = "attachment"
		}
		if filename != "" {
			disposition += fmt.Sprintf("; filename=%q", sanitizeFilename(filename))
		}
		sub.Set("response-content-disposition", disposition)
	}

	signed, err := b.signer.Presign("GET", b.cfg.Bucket, tok.StorageKey, remaining, sub)
	if err != nil {
		return "", DownloadToken{}, fmt.Errorf("resolve: %w", err)
	}
	return signed, tok, nil
}

// counterCell is the persisted per-item download tally.
type counterCell struct {
	Count int64 `json:"count"`
}

// RecordDownload bumps the per-item download counter unless the same actor
// (client IP, or issuing user when no address is known) already downloaded
// the item within the dedup window. It reports whether this download counted
// and the tally after the call.
func (b *DownloadBroker) RecordDownload(ctx context.Context, itemID, actor string) (bool, int64, error) {
	first, err := b.limiter.Once(ctx, "dl:"+itemID+":"+actor, b.cfg.DedupWindow)
	if err != nil {
		return false, 0, fmt.Errorf("record download: %w", err)
	}

	var total int64
	counterKey := "cnt:" + itemID
	if first {
		err = b.repo.Update(ctx, counterKey, time.Time{}, func(payload []byte) ([]byte, error) {
			var cell counterCell
			if payload != nil {
				if err := json.Unmarshal(payload, &cell); err != nil {
					return nil, fmt.Errorf("decode counter cell: %w", err)
				}
			}
			cell.Count++
			total = cell.Count
			return json.Marshal(cell)
		})
		if err != nil {
			return false, 0, fmt.Errorf("record download: %w", err)
		}
		return true, total, nil
	}

	total, err = b.DownloadCount(ctx, itemID)
	if err != nil {
		return false, 0, err
	}
	return false, total, nil
}

// DownloadCount returns the deduplicated download tally for itemID.
func (b *DownloadBroker) DownloadCount(ctx context.Context, itemID string) (int64, error) {
	payload, err := b.repo.Get(ctx, "cnt:"+itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("download count: %w", err)
	}
	var cell counterCell
	if err := json.Unmarshal(payload, &cell); err != nil {
		return 0, fmt.Errorf("download count: decode counter cell: %w", err)
	}
	return cell.Count, nil
}

package stashgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const tokenKeyPrefix = "tok:"

// TokenStore mints and redeems opaque download tokens on top of a CellRepo.
// A token is 32 hex characters of entropy; the cell behind it records the
// real storage key so the client never sees it.
type TokenStore struct {
	repo CellRepo

	// Now is the clock used for expiry checks. Overridable in tests.
	Now func() time.Time
}

// NewTokenStore creates a TokenStore backed by repo.
func NewTokenStore(repo CellRepo) *TokenStore {
	return &TokenStore{repo: repo, Now: time.Now}
}

// Create mints a fresh token for tok and stores it until the token's expiry.
// The returned string is the only handle the caller should ever expose.
func (s *TokenStore) Create(ctx context.Context, tok DownloadToken) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	token := hex.EncodeToString(buf)

	payload, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}

	err = s.repo.Update(ctx, tokenKeyPrefix+token, time.UnixMilli(tok.ExpireAtMs), func([]byte) ([]byte, error) {
		return payload, nil
	})
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

// Redeem resolves token to its DownloadToken and, for one-time tokens, marks
// it used in the same atomic step. Returns ErrNotFound for unknown tokens,
// ErrExpired past the deadline and ErrAlreadyUsed for a consumed one-time
// token. Callers surfacing these to clients should collapse all three into a
// single generic failure so the reason leaks nothing.
func (s *TokenStore) Redeem(ctx context.Context, token string) (DownloadToken, error) {
	nowMs := s.Now().UnixMilli()

	var tok DownloadToken
	err := s.repo.Update(ctx, tokenKeyPrefix+token, time.Time{}, func(payload []byte) ([]byte, error) {
		if payload == nil {
			return nil, ErrNotFound
		}
		if err := json.Unmarshal(payload, &tok); err != nil {
			return nil, fmt.Errorf("decode token cell: %w", err)
		}
		if tok.ExpireAtMs <= nowMs {
			return nil, ErrExpired
		}
		if tok.OneTime && tok.Used {
			return nil, ErrAlreadyUsed
		}
		if !tok.OneTime {
			return payload, nil
		}
		tok.Used = true
		return json.Marshal(tok)
	})
	if err != nil {
		return DownloadToken{}, fmt.Errorf("redeem token: %w", err)
	}
	return tok, nil
}

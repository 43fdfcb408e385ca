package stashgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/cellstore"
)

func newTestTokenStore() (*stashgate.TokenStore, *fakeClock) {
	clock := newFakeClock()
	s := stashgate.NewTokenStore(cellstore.NewMemory())
	s.Now = clock.Now
	return s, clock
}

func TestTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestTokenStore()

	want := stashgate.DownloadToken{
		ItemID:     "item1",
		UserID:     "user1",
		StorageKey: "uploads/item1.jpg",
		ExpireAtMs: clock.Now().Add(10 * time.Minute).UnixMilli(),
		OneTime:    true,
	}
	token, err := s.Create(ctx, want)
	require.NoError(t, err)
	assert.Len(t, token, 32)

	got, err := s.Redeem(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, want.StorageKey, got.StorageKey)
	assert.Equal(t, want.ItemID, got.ItemID)

	_, err = s.Redeem(ctx, token)
	assert.ErrorIs(t, err, stashgate.ErrAlreadyUsed)
}

func TestTokensAreUnique(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestTokenStore()

	tok := stashgate.DownloadToken{
		ItemID: "item1", UserID: "user1", StorageKey: "k",
		ExpireAtMs: clock.Now().Add(time.Minute).UnixMilli(),
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := s.Create(ctx, tok)
		require.NoError(t, err)
		assert.False(t, seen[token])
		seen[token] = true
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestTokenStore()

	token, err := s.Create(ctx, stashgate.DownloadToken{
		ItemID: "item1", UserID: "user1", StorageKey: "k",
		ExpireAtMs: clock.Now().Add(time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Redeem(ctx, token)
	assert.ErrorIs(t, err, stashgate.ErrExpired)
}

func TestReusableTokenKeepsState(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestTokenStore()

	token, err := s.Create(ctx, stashgate.DownloadToken{
		ItemID: "item1", UserID: "user1", StorageKey: "k",
		ExpireAtMs: clock.Now().Add(time.Hour).UnixMilli(),
		OneTime:    false,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := s.Redeem(ctx, token)
		require.NoError(t, err)
		assert.False(t, got.Used)
	}
}

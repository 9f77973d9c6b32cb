package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syx0310/claude-relay-service/internal/config"
)

func newTestScheduler(t *testing.T) *AccountScheduler {
	t.Helper()
	s := NewAccountScheduler([]config.AccountConfig{
		{ID: "acc-1", Name: "primary", Type: "oauth", Token: "tok-1"},
		{ID: "acc-2", Name: "secondary", Type: "apikey", Token: "tok-2"},
	})
	t.Cleanup(s.Stop)
	return s
}

func TestAccountScheduler_SelectsFirstHealthy(t *testing.T) {
	s := newTestScheduler(t)
	sel, err := s.SelectAccount(context.Background(), "key-1", "", "gpt-5.2")
	require.NoError(t, err)
	require.Equal(t, "acc-1", sel.AccountID)
	require.Equal(t, "oauth", sel.AccountType)
	require.Equal(t, "tok-1", sel.Token)
}

func TestAccountScheduler_RateLimitRotation(t *testing.T) {
	s := newTestScheduler(t)

	s.MarkRateLimited("acc-1", "oauth", "", 30*time.Second)
	require.True(t, s.IsRateLimited("acc-1"))

	sel, err := s.SelectAccount(context.Background(), "key-1", "", "gpt-5.2")
	require.NoError(t, err)
	require.Equal(t, "acc-2", sel.AccountID)

	s.ClearRateLimit("acc-1", "oauth")
	require.False(t, s.IsRateLimited("acc-1"))

	sel, err = s.SelectAccount(context.Background(), "key-1", "", "gpt-5.2")
	require.NoError(t, err)
	require.Equal(t, "acc-1", sel.AccountID)
}

func TestAccountScheduler_AllAccountsDown(t *testing.T) {
	s := newTestScheduler(t)
	s.MarkRateLimited("acc-1", "oauth", "", time.Minute)
	s.MarkUnauthorized("acc-2", "apikey", "", "token revoked")

	_, err := s.SelectAccount(context.Background(), "key-1", "", "gpt-5.2")
	require.ErrorIs(t, err, ErrNoAvailableAccounts)
}

func TestAccountScheduler_StickySession(t *testing.T) {
	s := newTestScheduler(t)
	hash := SessionHash("key-1", []byte(`{"messages":[{"role":"user","content":"hi"}]}`))

	first, err := s.SelectAccount(context.Background(), "key-1", hash, "gpt-5.2")
	require.NoError(t, err)

	// Sticky pins the session even while other accounts are available.
	for i := 0; i < 3; i++ {
		again, err := s.SelectAccount(context.Background(), "key-1", hash, "gpt-5.2")
		require.NoError(t, err)
		require.Equal(t, first.AccountID, again.AccountID)
	}

	// Rate limiting the pinned account breaks the pin.
	s.MarkRateLimited(first.AccountID, first.AccountType, hash, time.Minute)
	next, err := s.SelectAccount(context.Background(), "key-1", hash, "gpt-5.2")
	require.NoError(t, err)
	require.NotEqual(t, first.AccountID, next.AccountID)
}

func TestSessionHash(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hello"}]}`)
	h1 := SessionHash("key-1", body)
	h2 := SessionHash("key-1", body)
	require.Equal(t, h1, h2)
	require.NotEmpty(t, h1)

	require.NotEqual(t, h1, SessionHash("key-2", body))
	require.NotEqual(t, h1, SessionHash("key-1", []byte(`{"messages":[{"role":"user","content":"other"}]}`)))
}

func TestAccountScheduler_Snapshot(t *testing.T) {
	s := newTestScheduler(t)

	_, ok := s.Snapshot("acc-1")
	require.False(t, ok)

	s.UpdateRateLimitSnapshot("acc-1", RateLimitSnapshot{PrimaryUsedPercent: 42.5})
	snap, ok := s.Snapshot("acc-1")
	require.True(t, ok)
	require.Equal(t, 42.5, snap.PrimaryUsedPercent)

	// Empty snapshots are not stored.
	s.UpdateRateLimitSnapshot("acc-2", RateLimitSnapshot{})
	_, ok = s.Snapshot("acc-2")
	require.False(t, ok)
}

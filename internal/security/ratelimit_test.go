package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindowBoundedness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindow(5, 15*time.Minute)
	w.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.True(t, w.Allow("login", "a@b.c"), "attempt %d should be allowed", i+1)
		now = now.Add(time.Minute)
	}
	// sixth attempt inside the window is rejected
	require.False(t, w.Allow("login", "a@b.c"))
	require.ErrorIs(t, w.Check("login", "a@b.c"), ErrRateLimited)

	// once the window rolls past the oldest attempt, one slot frees up
	now = now.Add(11 * time.Minute)
	require.True(t, w.Allow("login", "a@b.c"))
	require.False(t, w.Allow("login", "a@b.c"))
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	w := NewSlidingWindow(1, time.Hour)
	require.True(t, w.Allow("login", "a@b.c"))
	require.False(t, w.Allow("login", "a@b.c"))
	// different identifier, different endpoint: their own buckets
	require.True(t, w.Allow("login", "x@y.z"))
	require.True(t, w.Allow("register", "a@b.c"))
}

func TestSlidingWindowReset(t *testing.T) {
	w := NewSlidingWindow(2, time.Hour)
	require.True(t, w.Allow("login", "a@b.c"))
	require.True(t, w.Allow("login", "a@b.c"))
	require.False(t, w.Allow("login", "a@b.c"))

	w.Reset("login", "a@b.c")
	require.True(t, w.Allow("login", "a@b.c"))
}

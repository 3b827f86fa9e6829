package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/sessionkit/internal/storage"
)

func testRecord(id string, ttl time.Duration) *Record {
	now := time.Now().UTC()
	return &Record{
		SessionID:   id,
		UserID:      "user-1",
		Fingerprint: "fp-1",
		StartedAt:   now,
		LastSeen:    now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestMemoryRepositoryRoundtrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, testRecord("s1", time.Hour)))

	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "user-1", rec.UserID)

	require.NoError(t, repo.Delete(ctx, "s1"))
	rec, err = repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestMemoryRepositoryExpiresRecords(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, testRecord("s1", -time.Minute)))
	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRedisRepositoryRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := NewRedisRepository(client, "")
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, testRecord("s1", time.Hour)))

	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "fp-1", rec.Fingerprint)

	require.NoError(t, repo.Delete(ctx, "s1"))
	rec, err = repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRedisRepositoryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := NewRedisRepository(client, "")
	ctx := context.Background()

	require.NoError(t, repo.Put(ctx, testRecord("s1", time.Hour)))
	// the key carries a TTL matching the record's lifetime
	require.InDelta(t, time.Hour.Seconds(), mr.TTL("registry:s1").Seconds(), 5)

	mr.FastForward(2 * time.Hour)
	rec, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestTrustList(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	tl := NewTrustList(store)

	require.False(t, tl.IsTrusted("user-1", "fp-1"))
	tl.Trust("user-1", "fp-1")
	require.True(t, tl.IsTrusted("user-1", "fp-1"))

	// per (user, fingerprint), not per fingerprint
	require.False(t, tl.IsTrusted("user-2", "fp-1"))
	require.False(t, tl.IsTrusted("user-1", "fp-2"))

	// idempotent
	tl.Trust("user-1", "fp-1")
	require.True(t, tl.IsTrusted("user-1", "fp-1"))
}

func TestTrustListSurvivesReload(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	NewTrustList(store).Trust("user-1", "fp-1")
	require.True(t, NewTrustList(store).IsTrusted("user-1", "fp-1"))
}

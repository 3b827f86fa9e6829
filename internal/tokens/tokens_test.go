package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit/sessionkit/internal/api"
	"github.com/sessionkit/sessionkit/internal/config"
	"github.com/sessionkit/sessionkit/internal/device"
	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/events"
)

func mintJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fakeRefreshAPI struct {
	calls int64
	delay time.Duration
	err   error
	next  func() *api.TokenPair
}

func (f *fakeRefreshAPI) RefreshToken(ctx context.Context, refreshToken string, dev *device.Info) (*api.AuthResult, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &api.AuthResult{Tokens: f.next()}, nil
}

func (f *fakeRefreshAPI) CheckTokenBlacklist(ctx context.Context, tokenHash string) (bool, error) {
	return false, nil
}

type fakeDevices struct{}

func (fakeDevices) Get() *device.Info { return &device.Info{Fingerprint: "fp-test"} }

func testConfig() config.TokensConfig {
	return config.TokensConfig{
		RefreshAtFraction:  0.8,
		ExpirySkew:         0,
		DecodeCacheTTL:     time.Minute,
		ValidationCacheTTL: time.Minute,
	}
}

func newTestManager(t *testing.T, backend RefreshAPI) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	m := NewManager(testConfig(), store, backend, fakeDevices{}, events.NewBus(), NewBlacklist(nil, nil))
	t.Cleanup(m.Stop)
	return m, store
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	access := mintJWT(t, time.Now().Add(time.Hour))
	backend := &fakeRefreshAPI{
		delay: 50 * time.Millisecond,
		next: func() *api.TokenPair {
			return &api.TokenPair{
				AccessToken:  mintJWT(t, time.Now().Add(2*time.Hour)),
				RefreshToken: "refresh-2",
				ExpiresAt:    time.Now().Add(2 * time.Hour),
			}
		},
	}
	m, _ := newTestManager(t, backend)
	require.NoError(t, m.SetTokens(&api.TokenPair{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	const callers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := m.Refresh(context.Background())
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&backend.calls), "concurrent refreshes must share one exchange")
	for _, ok := range results {
		require.True(t, ok)
	}
	require.Equal(t, "refresh-2", m.RefreshTokenValue())
}

func TestRefreshFailureKeepsStoredPair(t *testing.T) {
	backend := &fakeRefreshAPI{err: &api.Error{Code: "INVALID_REFRESH_TOKEN", Status: 401}}
	m, _ := newTestManager(t, backend)
	pair := &api.TokenPair{
		AccessToken:  mintJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, m.SetTokens(pair))

	ok, err := m.Refresh(context.Background())
	require.False(t, ok)
	require.Error(t, err)
	require.Equal(t, pair.AccessToken, m.AccessToken(), "failed refresh must not clobber the stored pair")
	require.Equal(t, "refresh-1", m.RefreshTokenValue())
}

func TestRefreshWithoutTokens(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})
	ok, err := m.Refresh(context.Background())
	require.False(t, ok)
	require.Error(t, err)
}

func TestPersistedPairSurvivesRestart(t *testing.T) {
	backend := &fakeRefreshAPI{}
	m, store := newTestManager(t, backend)
	pair := &api.TokenPair{
		AccessToken:  mintJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, m.SetTokens(pair))
	m.Stop()

	// a new manager over the same store restores the pair
	m2 := NewManager(testConfig(), store, backend, fakeDevices{}, events.NewBus(), NewBlacklist(nil, nil))
	defer m2.Stop()
	require.Equal(t, pair.AccessToken, m2.AccessToken())
	require.Equal(t, "refresh-1", m2.RefreshTokenValue())
}

func TestClearRemovesPair(t *testing.T) {
	m, store := newTestManager(t, &fakeRefreshAPI{})
	require.NoError(t, m.SetTokens(&api.TokenPair{
		AccessToken:  mintJWT(t, time.Now().Add(time.Hour)),
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	require.NoError(t, m.Clear())
	require.Empty(t, m.AccessToken())
	_, err := store.Get(storage.KeyTokens)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIsExpired(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})

	require.False(t, m.IsExpired(mintJWT(t, time.Now().Add(time.Hour))))
	require.True(t, m.IsExpired(mintJWT(t, time.Now().Add(-time.Minute))))
	// malformed tokens count as expired
	require.True(t, m.IsExpired("not-a-jwt"))
	require.True(t, m.IsExpired(""))
}

func TestIsExpiringSoon(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})
	tok := mintJWT(t, time.Now().Add(2*time.Minute))
	require.True(t, m.IsExpiringSoon(tok, 5*time.Minute))
	require.False(t, m.IsExpiringSoon(tok, 30*time.Second))
}

func TestSetTokensRejectsEmptyPair(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})
	require.Error(t, m.SetTokens(nil))
	require.Error(t, m.SetTokens(&api.TokenPair{}))
}

func TestBlacklistCurrentRevokesAccessToken(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})
	access := mintJWT(t, time.Now().Add(time.Hour))
	require.NoError(t, m.SetTokens(&api.TokenPair{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	require.False(t, m.Blacklisted(context.Background(), access))
	m.BlacklistCurrent(context.Background())
	require.True(t, m.Blacklisted(context.Background(), access))
}

func TestBlacklistSharedTier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewBlacklist(client, nil)
	b := NewBlacklist(client, nil)
	ctx := context.Background()

	require.NoError(t, a.Add(ctx, "revoked-token", time.Hour))
	// a second instance over the same store sees the revocation
	require.True(t, b.Contains(ctx, "revoked-token"))
	require.False(t, b.Contains(ctx, "other-token"))

	// shared entries expire with the token
	mr.FastForward(2 * time.Hour)
	c := NewBlacklist(client, nil)
	require.False(t, c.Contains(ctx, "revoked-token"))
}

type fakeBlacklistAPI struct{ listed map[string]bool }

func (f *fakeBlacklistAPI) CheckTokenBlacklist(ctx context.Context, tokenHash string) (bool, error) {
	if f.listed == nil {
		return false, errors.New("unavailable")
	}
	return f.listed[tokenHash], nil
}

func TestBlacklistBackendTier(t *testing.T) {
	backend := &fakeBlacklistAPI{listed: map[string]bool{Hash("revoked"): true}}
	b := NewBlacklist(nil, backend)
	ctx := context.Background()

	require.True(t, b.Contains(ctx, "revoked"))
	require.False(t, b.Contains(ctx, "fine"))

	// backend errors degrade to not-blacklisted
	broken := NewBlacklist(nil, &fakeBlacklistAPI{})
	require.False(t, broken.Contains(ctx, "anything"))
}

func TestDecodeCacheDropsStaleEntries(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefreshAPI{})
	base := time.Now()
	m.now = func() time.Time { return base }

	for i := 1; i <= 5; i++ {
		m.IsExpired(mintJWT(t, base.Add(time.Duration(i)*time.Hour)))
	}
	m.cacheMu.Lock()
	require.Len(t, m.decodeCache, 5)
	m.cacheMu.Unlock()

	// once the TTL passes, the next decode evicts everything stale
	later := base.Add(2 * testConfig().DecodeCacheTTL)
	m.now = func() time.Time { return later }
	m.IsExpired(mintJWT(t, later.Add(time.Hour)))

	m.cacheMu.Lock()
	require.Len(t, m.decodeCache, 1)
	m.cacheMu.Unlock()
}

package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sessionkit/sessionkit/pkg/logger"
)

// BlacklistAPI is the backend fallback consulted on a shared-store miss.
type BlacklistAPI interface {
	CheckTokenBlacklist(ctx context.Context, tokenHash string) (bool, error)
}

// Blacklist tracks revoked tokens. Lookup order: local permanent set (O(1)),
// optional shared Redis set, backend round trip. Positives from any tier are
// cached locally for the process lifetime.
type Blacklist struct {
	client  *redis.Client // optional; nil disables the shared tier
	backend BlacklistAPI  // optional; nil disables the server tier
	prefix  string

	mu    sync.RWMutex
	local map[string]struct{}
}

// NewBlacklist creates a blacklist. client and backend may each be nil.
func NewBlacklist(client *redis.Client, backend BlacklistAPI) *Blacklist {
	return &Blacklist{
		client:  client,
		backend: backend,
		prefix:  "blacklist:access:",
		local:   make(map[string]struct{}),
	}
}

// Add marks a token revoked locally and, when a shared store is configured,
// for every peer, with TTL bounding the shared entry to the token's lifetime.
func (b *Blacklist) Add(ctx context.Context, token string, ttl time.Duration) error {
	h := Hash(token)
	b.mu.Lock()
	b.local[h] = struct{}{}
	b.mu.Unlock()
	if b.client == nil || ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.prefix+h, "1", ttl).Err()
}

// Contains reports whether the token is revoked. Shared-store and backend
// errors degrade to "not blacklisted": revocation is enforced by the server,
// the local check only short-circuits known-bad tokens.
func (b *Blacklist) Contains(ctx context.Context, token string) bool {
	h := Hash(token)
	b.mu.RLock()
	_, hit := b.local[h]
	b.mu.RUnlock()
	if hit {
		return true
	}

	if b.client != nil {
		exists, err := b.client.Exists(ctx, b.prefix+h).Result()
		if err != nil {
			logger.Warnf("tokens: shared blacklist check failed: %v", err)
		} else if exists > 0 {
			b.remember(h)
			return true
		}
	}

	if b.backend != nil {
		listed, err := b.backend.CheckTokenBlacklist(ctx, h)
		if err != nil {
			logger.Warnf("tokens: backend blacklist check failed: %v", err)
			return false
		}
		if listed {
			b.remember(h)
			return true
		}
	}
	return false
}

func (b *Blacklist) remember(hash string) {
	b.mu.Lock()
	b.local[hash] = struct{}{}
	b.mu.Unlock()
}

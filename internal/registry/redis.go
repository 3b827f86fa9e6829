package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores records as JSON under key "registry:<sessionID>"
// with TTL = ExpiresAt - now, so abandoned records age out on their own.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository creates a Redis-backed repository. Prefix may be empty.
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "registry:"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisRepository) Put(ctx context.Context, rec *Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	exp := time.Until(rec.ExpiresAt)
	if exp <= 0 {
		// minimal TTL so Redis won't hold already-expired records
		exp = time.Second
	}
	return r.client.Set(ctx, r.key(rec.SessionID), b, exp).Err()
}

func (r *RedisRepository) Get(ctx context.Context, sessionID string) (*Record, error) {
	b, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		_ = r.client.Del(ctx, r.key(sessionID)).Err()
		return nil, nil
	}
	return &rec, nil
}

func (r *RedisRepository) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

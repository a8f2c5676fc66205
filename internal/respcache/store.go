package respcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgredis "github.com/sowbridge/sowbridge/pkg/redis"
)

// ErrMiss is returned by Store.Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the backing key-value store. Set must be a single atomic
// set-with-TTL so readers never observe a value without its expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) (int64, error)
}

// StatsStore is implemented by stores that can report their size.
type StatsStore interface {
	Count(ctx context.Context, pattern string) (int64, error)
	MemoryBytes(ctx context.Context) (int64, error)
}

// Pinger is implemented by network-backed stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisStore adapts pkg/redis to Store.
type RedisStore struct {
	client *pkgredis.Client
}

func NewRedisStore(client *pkgredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetBytes(ctx, key)
	if err != nil {
		if pkgredis.IsNilError(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	return s.client.FlushByPattern(ctx, pattern)
}

func (s *RedisStore) Count(ctx context.Context, pattern string) (int64, error) {
	return s.client.CountByPattern(ctx, pattern)
}

func (s *RedisStore) MemoryBytes(ctx context.Context) (int64, error) {
	return s.client.UsedMemory(ctx)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Package cache provides the ephemeral key/value and capped-list store used for
// offline notification queues and short-lived counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the cache contract consumed by the notification services.
// Get reports a miss through its boolean rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AppendCapped(ctx context.Context, key, value string, maxLength int, ttl time.Duration) error
	Drain(ctx context.Context, key string) ([]string, error)
}

// Config holds redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on top of a redis client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Every key is namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Open dials redis with cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache ping error: %w", err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get error: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		fullKeys = append(fullKeys, s.prefix+key)
	}
	if err := s.client.Del(ctx, fullKeys...).Err(); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

// AppendCapped appends value to the list at key, keeps only the newest maxLength
// entries and refreshes the key's expiry, all in one transaction.
func (s *RedisStore) AppendCapped(ctx context.Context, key, value string, maxLength int, ttl time.Duration) error {
	fullKey := s.prefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, fullKey, value)
		if maxLength > 0 {
			pipe.LTrim(ctx, fullKey, int64(-maxLength), -1)
		}
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache append error: %w", err)
	}
	return nil
}

// Drain returns the list at key oldest-first and removes it.
func (s *RedisStore) Drain(ctx context.Context, key string) ([]string, error) {
	fullKey := s.prefix + key
	var entries *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		entries = pipe.LRange(ctx, fullKey, 0, -1)
		pipe.Del(ctx, fullKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache drain error: %w", err)
	}
	return entries.Val(), nil
}

// Ping checks that redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Package mapcache caches resolved map style documents in Redis. Version
// nodes are immutable, so entries never need invalidation; the TTL only
// bounds memory use.
package mapcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "atlas:styledoc:"

// RedisStore caches style documents keyed by version id.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// GetStyleDoc returns the cached document for a version, if present.
// Redis errors are treated as cache misses.
func (s *RedisStore) GetStyleDoc(ctx context.Context, versionID string) ([]byte, bool) {
	doc, err := s.client.Get(ctx, keyPrefix+versionID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("mapcache: get %s: %v", versionID, err)
		}
		return nil, false
	}
	return doc, true
}

// SetStyleDoc stores the resolved document for a version.
func (s *RedisStore) SetStyleDoc(ctx context.Context, versionID string, doc []byte) error {
	if err := s.client.Set(ctx, keyPrefix+versionID, doc, s.ttl).Err(); err != nil {
		return fmt.Errorf("set style doc: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package cache

// Package cache provides the read-path cache for catalog responses. The
// primary implementation is Redis; an in-process fallback keeps the service
// functional when Redis is unreachable at startup.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent or expired. Callers
// must treat it as a signal to fall through to the source of truth, never as
// a failure.
var ErrCacheMiss = errors.New("cache: key not found")

// Cache is the minimal surface the catalog service needs: point reads and
// writes with TTL, and key enumeration for bulk invalidation sweeps.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// KeysMatching returns every key matching a glob pattern. Used only for
	// tenant-wide list invalidation sweeps.
	KeysMatching(ctx context.Context, pattern string) ([]string, error)
}

// New selects a cache backend. A nil or unreachable Redis client degrades to
// the in-memory cache so the service keeps serving (with per-instance cache
// state) instead of failing startup.
func New(client *redis.Client) Cache {
	if client == nil {
		slog.Warn("redis not configured, using in-memory cache")
		return NewMemory()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable, using in-memory cache", "error", err)
		return NewMemory()
	}
	return NewRedis(client)
}

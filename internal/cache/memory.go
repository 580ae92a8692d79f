package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     string
	expiresAt time.Time
	hasExpiry bool
}

func (it *memoryItem) expired() bool {
	return it.hasExpiry && time.Now().After(it.expiresAt)
}

// Memory is a process-local fallback backend. Entries expire lazily on
// read and eagerly via a background janitor.
type Memory struct {
	data   sync.Map
	ticker *time.Ticker
	done   chan struct{}
}

// NewMemory creates the in-memory cache and starts its cleanup loop.
func NewMemory() *Memory {
	c := &Memory{
		ticker: time.NewTicker(time.Minute),
		done:   make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *Memory) cleanup() {
	for {
		select {
		case <-c.ticker.C:
			c.data.Range(func(key, value any) bool {
				if it, ok := value.(*memoryItem); ok && it.expired() {
					c.data.Delete(key)
				}
				return true
			})
		case <-c.done:
			return
		}
	}
}

// Stop terminates the janitor goroutine.
func (c *Memory) Stop() {
	c.ticker.Stop()
	close(c.done)
}

func (c *Memory) Get(_ context.Context, key string) (string, error) {
	value, ok := c.data.Load(key)
	if !ok {
		return "", ErrCacheMiss
	}
	it, ok := value.(*memoryItem)
	if !ok || it.expired() {
		c.data.Delete(key)
		return "", ErrCacheMiss
	}
	return it.value, nil
}

func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	it := &memoryItem{value: value, hasExpiry: ttl > 0}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	c.data.Store(key, it)
	return nil
}

func (c *Memory) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		c.data.Delete(key)
	}
	return nil
}

func (c *Memory) KeysMatching(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	c.data.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && matchPattern(pattern, k) {
			keys = append(keys, k)
		}
		return true
	})
	return keys, nil
}

// matchPattern supports the single trailing-star form the service emits
// ("prefix*"); anything else is matched literally.
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

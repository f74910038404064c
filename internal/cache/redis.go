// Package cache is the Redis layer of the server: resolved API key lookups
// and token-bucket rate limits, all under one key namespace.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Options tunes a Cache. Zero values take the defaults below.
type Options struct {
	// Namespace prefixes every key so several deployments can share a database.
	Namespace string
	// PoolSize caps open connections.
	PoolSize int
	// Clock drives rate limit refills.
	Clock clockwork.Clock
}

const (
	defaultNamespace = "savesync"
	defaultPoolSize  = 10
)

// Cache wraps a Redis client.
type Cache struct {
	client *redis.Client
	ns     string
	clock  clockwork.Clock
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, opts Options) (*Cache, error) {
	ropt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ropt.PoolSize = opts.PoolSize
	if ropt.PoolSize <= 0 {
		ropt.PoolSize = defaultPoolSize
	}
	ropt.MinIdleConns = 1
	ropt.PoolTimeout = 3 * time.Second
	ropt.ConnMaxIdleTime = 10 * time.Minute

	c := newCache(redis.NewClient(ropt), opts)
	if err := c.Ping(ctx); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}

func newCache(client *redis.Client, opts Options) *Cache {
	c := &Cache{client: client, ns: opts.Namespace, clock: opts.Clock}
	if c.ns == "" {
		c.ns = defaultNamespace
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	return c
}

// key joins parts under the namespace: "<ns>:<part>:<part>".
func (c *Cache) key(parts ...string) string {
	return c.ns + ":" + strings.Join(parts, ":")
}

// Ping reports whether Redis answers. It backs the readiness probe.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

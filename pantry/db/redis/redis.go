// db/redis/redis.go
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/pantry/health"
	"github.com/redis/go-redis/v9"
)

// Client is an alias for the go-redis client, re-exported for convenience.
type Client = redis.Client

// Options is an alias for redis.Options, re-exported for convenience.
type Options = redis.Options

// OptionsFor returns the client options for one of the host's Redis-backed
// cache regions (CACHE_CONFIG or RESULTS_BACKEND).
func OptionsFor(r config.RedisSettings, c config.CacheSettings) (*Options, error) {
	opts, err := redis.ParseURL(c.URL(r))
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return opts, nil
}

// New returns a client for opts without touching the network. go-redis
// dials on first use and reconnects on its own.
func New(opts *Options) *Client {
	return redis.NewClient(opts)
}

// Connect opens a Redis connection with opts and pings it within timeout.
//
// The caller is responsible for calling client.Close() when done.
func Connect(ctx context.Context, opts *Options, timeout time.Duration) (*Client, error) {
	client := redis.NewClient(opts)
	if err := Ping(ctx, client, timeout); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// ConnectURL opens a Redis connection using a URL.
//
// URL formats:
//
//	redis://localhost:6379
//	redis://:password@localhost:6379/0
//	rediss://localhost:6379 (TLS)
func ConnectURL(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return Connect(ctx, opts, timeout)
}

// Ping checks client within timeout.
func Ping(ctx context.Context, client *Client, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return client.Ping(ctx).Err()
}

// HealthCheck returns a health check that pings client.
//
// Example:
//
//	health.Mount(r, map[string]health.Check{
//	    "redis": redis.HealthCheck(redisClient),
//	}, logger)
func HealthCheck(client *Client) health.Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

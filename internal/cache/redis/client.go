// Package redis implements the auction's shared cache concerns on
// go-redis/v9: event fan-out, the engine lease, rate limiting and the status
// snapshot read by observers.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
	TLSEnabled  bool
	// Namespace prefixes every key so several deployments can share one
	// Redis database.
	Namespace string
}

// Client wraps a go-redis client and owns key naming.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects and pings Redis.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb, ns: cfg.Namespace}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, ns: namespace}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the driver for sub-components.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

// Key prefixes name with the configured namespace.
func (c *Client) Key(name string) string {
	if c.ns == "" {
		return name
	}
	return c.ns + ":" + name
}

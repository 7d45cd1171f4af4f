// Package redis implements the lock manager, signal bus, rate limiter and
// candle/dashboard caches on go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"
)

// defaultClientName is reported by CLIENT LIST so lock holders can be told
// apart from the candle producer sharing the instance.
const defaultClientName = "tradeledger"

// ClientConfig holds connection parameters for the Redis client. A URL
// (redis:// or rediss://) replaces Addr, Password, DB and TLSEnabled; pool
// settings still apply on top of it.
type ClientConfig struct {
	URL        string
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	ClientName string
}

// Client wraps a go-redis Client and provides connectivity helpers.
type Client struct {
	rdb  *redis.Client
	addr string
}

// New creates a new Redis Client, pings it to verify connectivity, and returns
// the wrapper. It returns an error if the connection cannot be established.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", opts.Addr, err)
	}

	return &Client{rdb: rdb, addr: opts.Addr}, nil
}

func options(cfg ClientConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.TLSEnabled {
			host, _, err := net.SplitHostPort(cfg.Addr)
			if err != nil {
				host = cfg.Addr
			}
			opts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: host,
			}
		}
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries != 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	opts.ClientName = cfg.ClientName
	if opts.ClientName == "" {
		opts.ClientName = defaultClientName
	}
	return opts, nil
}

// Ping checks the Redis connection. It backs the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for the stores in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}

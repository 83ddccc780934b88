// Package redisclient adapts a go-redis connection to the durable queue's
// command client.
package redisclient

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable"
)

// Config describes the connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a go-redis client behind the command interface.
type Client struct {
	rdb *redis.Client
}

var _ durable.CommandClient = (*Client)(nil)

// New connects and pings the server. Connection failure surfaces immediately
// rather than on first use.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &queue.ConnectionError{Transport: queue.TransportRedis, Addr: cfg.Addr, Err: err}
	}
	return &Client{rdb: rdb}, nil
}

// Do executes one command.
func (c *Client) Do(ctx context.Context, args ...interface{}) (interface{}, error) {
	v, err := c.rdb.Do(ctx, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

// Pipeline executes commands on one round trip. Nil replies for missing keys
// come back as nil values, not errors.
func (c *Client) Pipeline(ctx context.Context, cmds [][]interface{}) ([]interface{}, error) {
	pipelined := make([]*redis.Cmd, len(cmds))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, args := range cmds {
			pipelined[i] = pipe.Do(ctx, args...)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]interface{}, len(cmds))
	for i, cmd := range pipelined {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			out[i] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

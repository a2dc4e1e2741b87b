// Package redis provides Redis client construction.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures the Redis client
type Options struct {
	URL      string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB != 0 {
		redisOpts.DB = opts.DB
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

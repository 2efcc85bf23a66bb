// Package redisconn dials the Redis server shared by the registry and the
// outbox.
package redisconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrEmptyConnectionURL = errors.New("empty redis connection URL")
	ErrNotReady           = errors.New("redis did not become ready in time")
)

const maxAttempts = 6

// Dial parses url and pings with exponential backoff until the server
// answers or ctx expires.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*redis.Client, error) {
	if url == "" {
		return nil, ErrEmptyConnectionURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	delay := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err = client.Ping(ctx).Err()
		if err == nil {
			return client, nil
		}
		if attempt >= maxAttempts {
			_ = client.Close()
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		logger.Debug("redis not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

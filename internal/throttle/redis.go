package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gestion:attempts:"

// Redis is a fixed-window counter shared by every replica.
type Redis struct {
	client *redis.Client
	max    int64
	window time.Duration
}

// NewRedis returns a limiter allowing max attempts per window for every key.
func NewRedis(client *redis.Client, max int, window time.Duration) *Redis {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, max: int64(max), window: window}
}

// Allow increments the attempt counter of key. The window starts at the first attempt.
func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := keyPrefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return false, fmt.Errorf("throttle: expire: %w", err)
		}
	}
	return count <= l.max, nil
}

// Reset clears the counter of key.
func (l *Redis) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("throttle: del: %w", err)
	}
	return nil
}

package rate

import (
	"context"
	"fmt"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/pkg/cache"
)

// Limiter is a fixed-window counter in Redis. The first hit opens the
// window; hits past max within it are refused until the key expires.
type Limiter struct {
	cache     *cache.Cache
	namespace string
	max       int
	window    time.Duration
}

func NewLimiter(c *cache.Cache, namespace string, max int, window time.Duration) *Limiter {
	return &Limiter{cache: c, namespace: namespace, max: max, window: window}
}

// Allow counts one hit for key and returns ErrRateLimited once the window
// is exhausted.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	cnt, err := l.cache.IncrWithExpire(ctx, l.namespace, key, l.window)
	if err != nil {
		return err
	}
	if int(cnt) > l.max {
		retry := l.RetryAfter(ctx, key)
		return fmt.Errorf("%w: try again in %d seconds", domain.ErrRateLimited, int(retry.Seconds()))
	}
	return nil
}

// RetryAfter is how long until the current window closes.
func (l *Limiter) RetryAfter(ctx context.Context, key string) time.Duration {
	ttl, err := l.cache.GetTTL(ctx, l.namespace, key)
	if err != nil || ttl < 0 {
		return l.window
	}
	return ttl
}

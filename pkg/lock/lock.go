package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrLockBusy = errors.New("lock is held by another worker")

type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

// DefaultOptions suits sagas that finish within a few external calls.
func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      10,
		RetryDelay: 200 * time.Millisecond,
	}
}

// RedisLocker serializes critical sections across instances with redsync.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   Options
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, opts Options, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

// WithLock runs fn while holding key. The lock is released even if fn fails.
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	mutex := l.rs.NewMutex(
		"lock:"+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		}
		l.logger.Debug("lock not acquired", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%s: %w", key, ErrLockBusy)
	}

	defer func() {
		// release on a detached context so a cancelled caller still frees the key
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); !ok || err != nil {
			l.logger.Warn("failed to release lock",
				zap.String("key", key),
				zap.Bool("unlock_ok", ok),
				zap.Error(err))
		}
	}()

	return fn(ctx)
}

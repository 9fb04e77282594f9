package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrOpen means the call was refused locally; the remote side never saw it.
var ErrOpen = errors.New("circuit breaker open")

type Config struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a breaker around one external dependency. ignore lets callers
// exclude business rejections from the failure count.
func New(name string, cfg Config, logger *zap.Logger, ignore func(error) bool) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	if ignore != nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || ignore(err)
		}
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Call runs fn through the breaker.
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

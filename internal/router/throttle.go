// internal/router/throttle.go
package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ussd-service/internal/domain"

	"github.com/go-chi/render"
	"go.uber.org/zap"
)

// Throttle is a shared per-key request counter.
type Throttle interface {
	Allow(ctx context.Context, key string) error
	RetryAfter(ctx context.Context, key string) time.Duration
}

// PhoneThrottle caps gateway turns per phone number. Callers over the cap get
// a closing USSD screen; a counter store outage lets traffic through.
func PhoneThrottle(t Throttle, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				next.ServeHTTP(w, r)
				return
			}
			phone := r.PostForm.Get("phoneNumber")
			if phone == "" {
				next.ServeHTTP(w, r)
				return
			}

			err := t.Allow(r.Context(), phone)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrRateLimited):
				retry := t.RetryAfter(r.Context(), phone)
				logger.Warn("ussd request throttled",
					zap.String("phone", phone),
					zap.Duration("retry_after", retry))
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				render.Status(r, http.StatusOK)
				render.PlainText(w, r, "END Too many requests. Please try again later.")
				return
			default:
				logger.Warn("ussd throttle unavailable", zap.Error(err))
			}

			next.ServeHTTP(w, r)
		})
	}
}

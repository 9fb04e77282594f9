// internal/handler/middleware.go
package handler

import (
	"context"
	"net/http"

	"ussd-service/internal/domain"

	"go.uber.org/zap"
)

type contextKey string

const ContextPhone contextKey = "phone"

// GetPhone returns the phone number of the authenticated caller.
func GetPhone(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(ContextPhone).(string)
	return val, ok && val != ""
}

type SessionValidator interface {
	ValidateAuthSession(ctx context.Context, token string) (*domain.AuthSession, error)
}

// RequireSession rejects requests without a live bearer auth session and
// stores the session's phone number in the request context.
func RequireSession(sessions SessionValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				sendError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			sess, err := sessions.ValidateAuthSession(r.Context(), token)
			if err != nil {
				logger.Debug("rejected auth session", zap.Error(err))
				sendError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), ContextPhone, sess.PhoneNumber)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

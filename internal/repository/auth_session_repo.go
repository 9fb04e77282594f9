// internal/repository/auth_session_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/pkg/cache"
)

const (
	authSessionNamespace = "auth:session"
	authIndexNamespace   = "auth:index"
	recentAuthNamespace  = "auth:recent"

	// expired sessions stay readable this long so callers can tell
	// "expired" apart from "never existed"
	expiredGrace = time.Hour
)

type AuthSessionRepository interface {
	Create(ctx context.Context, s *domain.AuthSession) error
	GetByToken(ctx context.Context, token string) (*domain.AuthSession, error)
	GetByPhone(ctx context.Context, phone, purpose string) (*domain.AuthSession, error)
	Delete(ctx context.Context, token string) error

	StampRecentAuth(ctx context.Context, phone string, at time.Time, ttl time.Duration) error
	RecentAuth(ctx context.Context, phone string) (*time.Time, error)
}

type authSessionRepo struct {
	cache *cache.Cache
}

func NewAuthSessionRepository(c *cache.Cache) AuthSessionRepository {
	return &authSessionRepo{cache: c}
}

func indexKey(phone, purpose string) string {
	return phone + ":" + purpose
}

func (r *authSessionRepo) Create(ctx context.Context, s *domain.AuthSession) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt) + expiredGrace

	pipe := r.cache.Client().TxPipeline()
	pipe.Set(ctx, cache.Key(authSessionNamespace, s.Token), payload, ttl)
	pipe.Set(ctx, cache.Key(authIndexNamespace, indexKey(s.PhoneNumber, s.Purpose)), s.Token, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *authSessionRepo) GetByToken(ctx context.Context, token string) (*domain.AuthSession, error) {
	raw, err := r.cache.Get(ctx, authSessionNamespace, token)
	if errors.Is(err, cache.ErrMiss) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var s domain.AuthSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode auth session: %w", err)
	}
	return &s, nil
}

func (r *authSessionRepo) GetByPhone(ctx context.Context, phone, purpose string) (*domain.AuthSession, error) {
	token, err := r.cache.Get(ctx, authIndexNamespace, indexKey(phone, purpose))
	if errors.Is(err, cache.ErrMiss) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetByToken(ctx, token)
}

func (r *authSessionRepo) Delete(ctx context.Context, token string) error {
	s, err := r.GetByToken(ctx, token)
	if err != nil {
		return err
	}

	if err := r.cache.Delete(ctx, authSessionNamespace, token); err != nil {
		return err
	}

	// only drop the index if a newer session has not replaced it
	current, err := r.cache.Get(ctx, authIndexNamespace, indexKey(s.PhoneNumber, s.Purpose))
	if err == nil && current == token {
		return r.cache.Delete(ctx, authIndexNamespace, indexKey(s.PhoneNumber, s.Purpose))
	}
	return nil
}

func (r *authSessionRepo) StampRecentAuth(ctx context.Context, phone string, at time.Time, ttl time.Duration) error {
	return r.cache.Set(ctx, recentAuthNamespace, phone, at.UTC().Format(time.RFC3339Nano), ttl)
}

// RecentAuth returns nil when no marker is live.
func (r *authSessionRepo) RecentAuth(ctx context.Context, phone string) (*time.Time, error) {
	raw, err := r.cache.Get(ctx, recentAuthNamespace, phone)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("decode recent auth: %w", err)
	}
	return &at, nil
}

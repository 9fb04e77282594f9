// internal/repository/session_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/pkg/cache"

	"github.com/redis/go-redis/v9"
)

const sessionNamespace = "ussd:session"

// SessionRepository persists USSD conversations. Save is compare-and-set on
// Session.Version: a stale writer gets ErrSessionConflict.
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Save(ctx context.Context, s *domain.Session) error
	Delete(ctx context.Context, sessionID string) error
}

type sessionRepo struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSessionRepository(c *cache.Cache, ttl time.Duration) SessionRepository {
	return &sessionRepo{client: c.Client(), ttl: ttl}
}

func (r *sessionRepo) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, cache.Key(sessionNamespace, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUSSDSessionGone
	}
	if err != nil {
		return nil, err
	}

	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Save writes s if the stored version still equals s.Version, then bumps
// s.Version. A new session carries version 0 and must not exist yet.
func (r *sessionRepo) Save(ctx context.Context, s *domain.Session) error {
	if s.SessionID == "" {
		return domain.ErrInvalidSessionID
	}
	key := cache.Key(sessionNamespace, s.SessionID)

	next := *s
	next.Version = s.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}

	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if s.Version != 0 {
				return domain.ErrUSSDSessionGone
			}
		case err != nil:
			return err
		default:
			var stored domain.Session
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if stored.Version != s.Version {
				return domain.ErrSessionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return domain.ErrSessionConflict
		}
		return err
	}

	s.Version = next.Version
	s.CreatedAt = next.CreatedAt
	s.UpdatedAt = next.UpdatedAt
	return nil
}

func (r *sessionRepo) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, cache.Key(sessionNamespace, sessionID)).Err()
}

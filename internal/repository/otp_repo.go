// internal/repository/otp_repo.go
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

const otpNamespace = "otp"

// OTPAction tells Update what to do with the record after the callback ran.
type OTPAction int

const (
	OTPKeep OTPAction = iota
	OTPDelete
)

type OTPRepository interface {
	Save(ctx context.Context, phone, purpose string, rec *domain.OTPRecord, ttl time.Duration) error
	// Update runs fn against the stored record atomically and persists the
	// mutated record (or deletes it) before returning fn's error.
	Update(ctx context.Context, phone, purpose string, fn func(rec *domain.OTPRecord) (OTPAction, error)) error
	Delete(ctx context.Context, phone, purpose string) error
}

type otpRepo struct {
	client redis.UniversalClient
}

func NewOTPRepository(c *cache.Cache) OTPRepository {
	return &otpRepo{client: c.Client()}
}

func otpKey(phone, purpose string) string {
	return cache.Key(otpNamespace, phone+":"+purpose)
}

func (r *otpRepo) Save(ctx context.Context, phone, purpose string, rec *domain.OTPRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, otpKey(phone, purpose), payload, ttl).Err()
}

func (r *otpRepo) Update(ctx context.Context, phone, purpose string, fn func(rec *domain.OTPRecord) (OTPAction, error)) error {
	key := otpKey(phone, purpose)
	var fnErr error

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrOTPNotFound
		}
		if err != nil {
			return err
		}

		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			return domain.ErrOTPNotFound
		}

		var rec domain.OTPRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode otp: %w", err)
		}

		var action OTPAction
		action, fnErr = fn(&rec)

		payload, err := json.Marshal(&rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if action == OTPDelete {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, payload, ttl)
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
	return fnErr
}

func (r *otpRepo) Delete(ctx context.Context, phone, purpose string) error {
	return r.client.Del(ctx, otpKey(phone, purpose)).Err()
}

// internal/usecase/auth/auth.go
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/internal/rate"
	"ussd-service/internal/repository"
	"ussd-service/pkg/security"
	"ussd-service/pkg/utils"

	"go.uber.org/zap"
)

const (
	otpDigits  = 6
	tokenBytes = 32

	// OTPRateNamespace keys the per-phone issuance counters.
	OTPRateNamespace = "otp_rate"
)

// SMSSender delivers one text message and returns the gateway's message id.
type SMSSender interface {
	Send(ctx context.Context, to, message, from string) (string, error)
}

// Service is the authorization gate: OTP issue/verify, auth sessions and
// the recent-auth freshness marker.
type Service struct {
	accounts repository.AccountRepository
	otps     repository.OTPRepository
	sessions repository.AuthSessionRepository
	limiter  *rate.Limiter
	sms      SMSSender
	cfg      config.AuthConfig
	country  string
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(
	accounts repository.AccountRepository,
	otps repository.OTPRepository,
	sessions repository.AuthSessionRepository,
	limiter *rate.Limiter,
	sms SMSSender,
	cfg config.AuthConfig,
	defaultCountry string,
	logger *zap.Logger,
) *Service {
	return &Service{
		accounts: accounts,
		otps:     otps,
		sessions: sessions,
		limiter:  limiter,
		sms:      sms,
		cfg:      cfg,
		country:  defaultCountry,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) ValidatePhoneNumber(raw string) (*domain.PhoneNumber, error) {
	return ValidatePhoneNumber(raw, s.country)
}

// IssueOTP generates a code for (phone, purpose), stores only its hash and
// sends it by SMS. Delivery is mandatory: a send failure discards the code.
func (s *Service) IssueOTP(ctx context.Context, phone, purpose string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.OTPTTL
	}

	if err := s.limiter.Allow(ctx, phone); err != nil {
		s.logger.Warn("otp issuance throttled", zap.String("phone", phone), zap.String("purpose", purpose))
		return err
	}

	code, err := randomCode(otpDigits)
	if err != nil {
		return err
	}

	rec := &domain.OTPRecord{
		Hash:      security.HashOTP(code, s.cfg.OTPSecret),
		Purpose:   purpose,
		CreatedAt: s.now().UTC(),
	}
	if err := s.otps.Save(ctx, phone, purpose, rec, ttl); err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	msg := fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes. Do not share it.",
		formatPurpose(purpose), code, int(ttl.Minutes()))
	if _, err := s.sms.Send(ctx, phone, msg, s.cfg.SMSSender); err != nil {
		_ = s.otps.Delete(ctx, phone, purpose)
		s.logger.Error("otp delivery failed",
			zap.String("phone", phone),
			zap.String("purpose", purpose),
			zap.Error(err))
		return fmt.Errorf("%w: otp delivery: %w", domain.ErrExternalFailure, err)
	}

	s.logger.Info("otp issued", zap.String("phone", phone), zap.String("purpose", purpose))
	return nil
}

// VerifyOTP checks code against the live record. The record is destroyed on
// success; the attempt that exhausts the budget wipes its hash and locks it,
// so every later attempt fails with ErrTooManyAttempts until it expires.
func (s *Service) VerifyOTP(ctx context.Context, phone, code, purpose string) error {
	hash := security.HashOTP(code, s.cfg.OTPSecret)
	maxAttempts := s.cfg.OTPMaxAttempts

	err := s.otps.Update(ctx, phone, purpose, func(rec *domain.OTPRecord) (repository.OTPAction, error) {
		if rec.Locked {
			return repository.OTPKeep, domain.ErrTooManyAttempts
		}
		if rec.Hash != "" && hmac.Equal([]byte(hash), []byte(rec.Hash)) {
			return repository.OTPDelete, nil
		}

		rec.Attempts++
		if rec.Attempts >= maxAttempts {
			rec.Locked = true
			rec.Hash = ""
			return repository.OTPKeep, domain.ErrTooManyAttempts
		}
		return repository.OTPKeep, &InvalidCodeError{Remaining: maxAttempts - rec.Attempts}
	})
	if err != nil {
		s.logger.Info("otp verification failed",
			zap.String("phone", phone),
			zap.String("purpose", purpose),
			zap.Error(err))
		return err
	}

	if err := s.sessions.StampRecentAuth(ctx, phone, s.now(), s.cfg.RecentAuthTTL); err != nil {
		return fmt.Errorf("failed to stamp recent auth: %w", err)
	}

	s.logger.Info("otp verified", zap.String("phone", phone), zap.String("purpose", purpose))
	return nil
}

// InvalidCodeError is a wrong code with budget left. It matches
// domain.ErrInvalidOTP under errors.Is.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%s: %d attempts left", domain.ErrInvalidOTP, e.Remaining)
}

func (e *InvalidCodeError) Unwrap() error { return domain.ErrInvalidOTP }

// AttemptsLeft reports the remaining budget carried by a wrong-code error.
func AttemptsLeft(err error) (int, bool) {
	var ice *InvalidCodeError
	if errors.As(err, &ice) {
		return ice.Remaining, true
	}
	return 0, false
}

func (s *Service) CreateAuthSession(ctx context.Context, phone, purpose string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.AuthSessionTTL
	}

	token, err := utils.RandomHex(tokenBytes)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	sess := &domain.AuthSession{
		Token:       token,
		PhoneNumber: phone,
		Purpose:     purpose,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		IsActive:    true,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return "", fmt.Errorf("failed to create auth session: %w", err)
	}

	s.logger.Info("auth session created",
		zap.String("phone", phone),
		zap.String("purpose", purpose),
		zap.Time("expires_at", sess.ExpiresAt))
	return token, nil
}

func (s *Service) ValidateAuthSession(ctx context.Context, token string) (*domain.AuthSession, error) {
	sess, err := s.sessions.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive || sess.Expired(s.now()) {
		return nil, domain.ErrSessionExpired
	}
	return sess, nil
}

// Authorize applies the two-tier policy: a live auth session proves who the
// caller is; value-moving operations also need a recent OTP.
func (s *Service) Authorize(ctx context.Context, phone string, op domain.Operation) (*domain.UserContext, error) {
	return s.AuthorizeChannel(ctx, phone, domain.PurposeUSSD, op)
}

// AuthorizeChannel applies the two-tier policy against the auth session
// opened for purpose, so REST callers are checked against their "api"
// session instead of the USSD one.
func (s *Service) AuthorizeChannel(ctx context.Context, phone, purpose string, op domain.Operation) (*domain.UserContext, error) {
	account, err := s.accounts.GetByPhone(ctx, phone)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: no account for %s", domain.ErrForbidden, phone)
	}
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.GetByPhone(ctx, phone, purpose)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrRequiresAuth
	}
	if err != nil {
		return nil, err
	}
	if !sess.IsActive || sess.Expired(s.now()) {
		return nil, domain.ErrRequiresAuth
	}

	uc := &domain.UserContext{PhoneNumber: phone, Account: account, AuthSession: sess}

	recent, err := s.sessions.RecentAuth(ctx, phone)
	if err != nil {
		return nil, err
	}
	if recent != nil && s.now().Sub(*recent) < s.cfg.RecentAuthTTL {
		uc.RecentAuthAt = recent
	}

	if op.RequiresRecentAuth() && uc.RecentAuthAt == nil {
		return nil, domain.ErrRequiresRecentAuth
	}
	return uc, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Delete(ctx, token); err != nil {
		return err
	}
	s.logger.Info("auth session revoked")
	return nil
}

// LogoutPhone revokes whatever session is indexed for (phone, purpose).
func (s *Service) LogoutPhone(ctx context.Context, phone, purpose string) error {
	sess, err := s.sessions.GetByPhone(ctx, phone, purpose)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, sess.Token); err != nil {
		return err
	}
	s.logger.Info("auth session revoked", zap.String("phone", phone), zap.String("purpose", purpose))
	return nil
}

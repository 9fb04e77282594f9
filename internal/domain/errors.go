// internal/domain/errors.go
package domain

import "errors"

// Validation
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidPhoneFormat = errors.New("invalid phone number format")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrBelowMinimum       = errors.New("amount below minimum")
	ErrLimitExceeded      = errors.New("amount exceeds limit")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// Authorization gate
var (
	ErrRequiresAuth       = errors.New("authentication required")
	ErrRequiresRecentAuth = errors.New("recent authentication required")
	ErrForbidden          = errors.New("forbidden")
	ErrRateLimited        = errors.New("too many requests, try again later")
	ErrInvalidOTP         = errors.New("invalid otp")
	ErrTooManyAttempts    = errors.New("too many otp attempts")
	ErrOTPNotFound        = errors.New("otp not found or expired")
	ErrSessionExpired     = errors.New("auth session expired")
	ErrSessionNotFound    = errors.New("auth session not found")
)

// Session store
var (
	ErrSessionConflict  = errors.New("session was modified concurrently")
	ErrUSSDSessionGone  = errors.New("ussd session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Money movement
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrUnsupportedCurrency   = errors.New("unsupported currency")
	ErrExternalFailure       = errors.New("external service failure")
	ErrReconciliationPending = errors.New("outcome unknown, reconciliation pending")
	ErrRetryLimit            = errors.New("retry limit reached")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountExists         = errors.New("account already exists")
	ErrRecipientNotFound     = errors.New("recipient not registered")
	ErrSelfTransfer          = errors.New("cannot transfer to own number")
	ErrProviderNotFound      = errors.New("provider not found")
	ErrVaultNotFound         = errors.New("vault not found")
	ErrUnknownReference      = errors.New("unknown external reference")
	ErrInvalidSignature      = errors.New("invalid signature")
)

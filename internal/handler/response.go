// internal/handler/response.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"ussd-service/internal/domain"
	"ussd-service/pkg/lock"
)

type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func sendSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{
		Status:  "error",
		Message: message,
	})
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidPhoneFormat),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrBelowMinimum),
		errors.Is(err, domain.ErrLimitExceeded),
		errors.Is(err, domain.ErrUnsupportedCurrency),
		errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRequiresAuth),
		errors.Is(err, domain.ErrRequiresRecentAuth),
		errors.Is(err, domain.ErrInvalidOTP),
		errors.Is(err, domain.ErrOTPNotFound),
		errors.Is(err, domain.ErrSessionExpired),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrRecipientNotFound),
		errors.Is(err, domain.ErrProviderNotFound),
		errors.Is(err, domain.ErrVaultNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRetryLimit),
		errors.Is(err, domain.ErrSessionConflict),
		errors.Is(err, lock.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrTooManyAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrReconciliationPending):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrExternalFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorMessage hides internal failures from clients.
func errorMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

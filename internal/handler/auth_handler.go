// internal/handler/auth_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/internal/usecase/auth"

	"go.uber.org/zap"
)

const (
	defaultOTPPurpose = "login"
	PurposeAPI        = domain.PurposeAPI
)

type AuthHandler struct {
	auth   *auth.Service
	logger *zap.Logger
}

func NewAuthHandler(authService *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: authService, logger: logger}
}

type otpRequest struct {
	PhoneNumber string `json:"phone_number"`
	Purpose     string `json:"purpose"`
	Code        string `json:"code,omitempty"`
}

// IssueOTP handles POST /api/v1/auth/otp.
func (h *AuthHandler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	req, phone, ok := h.decode(w, r)
	if !ok {
		return
	}

	if err := h.auth.IssueOTP(r.Context(), phone, req.Purpose, 0); err != nil {
		h.logger.Warn("otp issue failed", zap.String("phone", phone), zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}

	sendSuccess(w, http.StatusOK, "verification code sent", map[string]interface{}{
		"phone_number": phone,
		"purpose":      req.Purpose,
	})
}

// VerifyOTP handles POST /api/v1/auth/otp/verify. A correct code opens an
// API auth session and returns its token.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	req, phone, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.Code == "" {
		sendError(w, http.StatusBadRequest, "code is required")
		return
	}

	if err := h.auth.VerifyOTP(r.Context(), phone, req.Code, req.Purpose); err != nil {
		if left, ok := auth.AttemptsLeft(err); ok {
			sendSuccess(w, http.StatusUnauthorized, "invalid code", map[string]interface{}{
				"attempts_left": left,
			})
			return
		}
		sendError(w, statusFor(err), errorMessage(err))
		return
	}

	token, err := h.auth.CreateAuthSession(r.Context(), phone, PurposeAPI, 0)
	if err != nil {
		h.logger.Error("failed to open auth session", zap.String("phone", phone), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	sendSuccess(w, http.StatusOK, "verified", map[string]interface{}{
		"token":        token,
		"phone_number": phone,
	})
}

// Session handles GET /api/v1/auth/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		sendError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	sess, err := h.auth.ValidateAuthSession(r.Context(), token)
	if err != nil {
		sendError(w, http.StatusUnauthorized, errorMessage(err))
		return
	}

	sendSuccess(w, http.StatusOK, "", map[string]interface{}{
		"phone_number": sess.PhoneNumber,
		"purpose":      sess.Purpose,
		"expires_at":   sess.ExpiresAt.Format(time.RFC3339),
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		sendError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.logger.Warn("logout failed", zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}
	sendSuccess(w, http.StatusOK, "logged out", nil)
}

// decode reads an otpRequest and normalizes its phone number. It writes the
// error response itself when it returns false.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request) (*otpRequest, string, bool) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return nil, "", false
	}
	if req.Purpose == "" {
		req.Purpose = defaultOTPPurpose
	}

	phone, err := h.auth.ValidatePhoneNumber(req.PhoneNumber)
	if err != nil {
		sendError(w, http.StatusBadRequest, domain.ErrInvalidPhoneFormat.Error())
		return nil, "", false
	}
	return &req, phone.Normalized, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

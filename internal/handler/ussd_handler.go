// internal/handler/ussd_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"

	"ussd-service/internal/domain"
	"ussd-service/internal/menu"
	"ussd-service/internal/metrics"
	"ussd-service/internal/repository"

	"go.uber.org/zap"
)

// Navigator runs one menu turn.
type Navigator interface {
	Transition(ctx context.Context, state domain.State, input string, data domain.SessionData, phone string) menu.Result
}

type PhoneValidator interface {
	ValidatePhoneNumber(raw string) (*domain.PhoneNumber, error)
}

type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, phone string) (*domain.Account, error)
}

// USSDHandler answers the gateway's per-turn callback. Session state lives
// only in the session store between turns.
type USSDHandler struct {
	sessions repository.SessionRepository
	phones   PhoneValidator
	accounts AccountProvisioner
	menu     Navigator
	logger   *zap.Logger
}

func NewUSSDHandler(
	sessions repository.SessionRepository,
	phones PhoneValidator,
	accounts AccountProvisioner,
	nav Navigator,
	logger *zap.Logger,
) *USSDHandler {
	return &USSDHandler{
		sessions: sessions,
		phones:   phones,
		accounts: accounts,
		menu:     nav,
		logger:   logger,
	}
}

// HandleUSSD handles POST /api/v1/ussd with form fields sessionId,
// phoneNumber, serviceCode and text.
func (h *USSDHandler) HandleUSSD(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.logger.Warn("failed to parse ussd form", zap.Error(err))
		h.reply(w, http.StatusBadRequest, false, "Invalid request.")
		return
	}

	sessionID := r.PostForm.Get("sessionId")
	rawPhone := r.PostForm.Get("phoneNumber")
	serviceCode := r.PostForm.Get("serviceCode")
	text := r.PostForm.Get("text")

	if sessionID == "" || rawPhone == "" {
		h.reply(w, http.StatusBadRequest, false, "Invalid request.")
		return
	}

	phone, err := h.phones.ValidatePhoneNumber(rawPhone)
	if err != nil {
		h.logger.Warn("ussd request with invalid phone",
			zap.String("session_id", sessionID),
			zap.String("phone", rawPhone))
		h.reply(w, http.StatusOK, false, "Invalid phone number.")
		return
	}

	sess, input, err := h.load(ctx, sessionID, phone.Normalized, serviceCode, text)
	if err != nil {
		h.logger.Error("failed to load ussd session",
			zap.String("session_id", sessionID),
			zap.String("phone", phone.Normalized),
			zap.Error(err))
		h.reply(w, http.StatusOK, false, "Service temporarily unavailable. Please try again later.")
		return
	}

	// a committing turn claims the session before it runs; a duplicate
	// either sees the claim or loses the compare-and-set
	if menu.Commits(sess.CurrentState) && sess.Version > 0 {
		if !h.claim(w, r, sess) {
			return
		}
	}

	res := h.menu.Transition(ctx, sess.CurrentState, input, sess.Data, sess.PhoneNumber)

	if !res.Continue {
		if sess.Version > 0 {
			if err := h.sessions.Delete(ctx, sessionID); err != nil {
				h.logger.Warn("failed to delete ended session",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		}
		h.logger.Info("ussd session ended",
			zap.String("session_id", sessionID),
			zap.String("phone", sess.PhoneNumber),
			zap.String("from_state", string(sess.CurrentState)))
		h.reply(w, http.StatusOK, false, res.Text)
		return
	}

	from := sess.CurrentState
	sess.CurrentState = res.Next
	sess.Data = res.Data
	sess.Executing = false

	if err := h.sessions.Save(ctx, sess); err != nil {
		h.saveFailed(w, r, sessionID, err)
		return
	}

	h.logger.Debug("ussd turn",
		zap.String("session_id", sessionID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(res.Next)))
	h.reply(w, http.StatusOK, true, res.Text)
}

// load returns the stored session and the caller's newest input, or a new
// session at the main menu on the first turn.
func (h *USSDHandler) load(ctx context.Context, sessionID, phone, serviceCode, text string) (*domain.Session, string, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err == nil {
		if sess.PhoneNumber != phone {
			h.logger.Warn("ussd session reused by another phone",
				zap.String("session_id", sessionID),
				zap.String("phone", phone))
			if err := h.sessions.Delete(ctx, sessionID); err != nil {
				return nil, "", err
			}
			return h.fresh(ctx, sessionID, phone, serviceCode)
		}
		return sess, menu.LastInput(text), nil
	}
	if !errors.Is(err, domain.ErrUSSDSessionGone) {
		return nil, "", err
	}
	return h.fresh(ctx, sessionID, phone, serviceCode)
}

func (h *USSDHandler) fresh(ctx context.Context, sessionID, phone, serviceCode string) (*domain.Session, string, error) {
	if _, err := h.accounts.EnsureAccount(ctx, phone); err != nil {
		return nil, "", err
	}
	h.logger.Info("ussd session started",
		zap.String("session_id", sessionID),
		zap.String("phone", phone),
		zap.String("service_code", serviceCode))
	return &domain.Session{
		SessionID:    sessionID,
		PhoneNumber:  phone,
		ServiceCode:  serviceCode,
		CurrentState: domain.StateMain,
	}, "", nil
}

func (h *USSDHandler) claim(w http.ResponseWriter, r *http.Request, sess *domain.Session) bool {
	err := domain.ErrSessionConflict
	if !sess.Executing {
		sess.Executing = true
		err = h.sessions.Save(r.Context(), sess)
	}
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrSessionConflict) {
		h.logger.Warn("duplicate ussd turn dropped",
			zap.String("session_id", sess.SessionID),
			zap.String("state", string(sess.CurrentState)))
		h.reply(w, http.StatusOK, false, "Your request is already being processed.")
		return false
	}
	h.saveFailed(w, r, sess.SessionID, err)
	return false
}

// saveFailed answers a turn whose result could not be stored. A lost
// compare-and-set re-shows whatever screen the winning turn stored.
func (h *USSDHandler) saveFailed(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	ctx := r.Context()
	if errors.Is(err, domain.ErrSessionConflict) {
		h.logger.Warn("concurrent ussd turn", zap.String("session_id", sessionID))
		if current, gerr := h.sessions.Get(ctx, sessionID); gerr == nil {
			res := h.menu.Transition(ctx, current.CurrentState, "", current.Data, current.PhoneNumber)
			h.reply(w, http.StatusOK, res.Continue, res.Text)
			return
		}
	}

	h.logger.Error("failed to save ussd session",
		zap.String("session_id", sessionID),
		zap.Error(err))
	h.reply(w, http.StatusOK, false, "Service temporarily unavailable. Please try again later.")
}

func (h *USSDHandler) reply(w http.ResponseWriter, status int, more bool, text string) {
	prefix, kind := "END ", "end"
	if more {
		prefix, kind = "CON ", "con"
	}
	metrics.USSDTurns.WithLabelValues(kind).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(prefix + text)); err != nil {
		h.logger.Warn("failed to write ussd response", zap.Error(err))
	}
}

// internal/handler/callback_handler.go
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"ussd-service/internal/domain"
	"ussd-service/internal/provider/mpesa"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// CallbackVerifier checks the signature a callback URL was issued with.
type CallbackVerifier interface {
	VerifyCallback(ref, sig string) bool
}

// CallbackHandler receives Daraja result callbacks. The path carries our
// transaction id; the sig query parameter proves we issued the URL.
type CallbackHandler struct {
	events   EventHandler
	verifier CallbackVerifier
	logger   *zap.Logger
}

func NewCallbackHandler(events EventHandler, verifier CallbackVerifier, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		events:   events,
		verifier: verifier,
		logger:   logger,
	}
}

// HandleMpesaSTKCallback handles M-Pesa STK Push callback
func (h *CallbackHandler) HandleMpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "stk", mpesa.ParseSTKCallback)
}

// HandleMpesaB2CCallback handles M-Pesa B2C result callback
func (h *CallbackHandler) HandleMpesaB2CCallback(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "b2c", mpesa.ParseB2CCallback)
}

// HandleMpesaB2CTimeout handles the queue timeout notice for a B2C request.
func (h *CallbackHandler) HandleMpesaB2CTimeout(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "b2c_timeout", func(payload []byte) (*domain.ProviderEvent, error) {
		var notice mpesa.B2CCallbackRequest
		if err := json.Unmarshal(payload, &notice); err != nil {
			h.logger.Warn("unreadable b2c timeout body, using path reference", zap.Error(err))
		}
		return mpesa.TimeoutEvent(notice.Result.ConversationID), nil
	})
}

func (h *CallbackHandler) handle(w http.ResponseWriter, r *http.Request, kind string, parse func([]byte) (*domain.ProviderEvent, error)) {
	ctx := r.Context()
	ref := chi.URLParam(r, "ref")

	if !h.verifier.VerifyCallback(ref, r.URL.Query().Get("sig")) {
		h.logger.Warn("rejected M-Pesa callback signature",
			zap.String("kind", kind),
			zap.String("ref", ref),
			zap.String("remote_addr", r.RemoteAddr))
		h.sendCallbackResponse(w, http.StatusUnauthorized, 1, "Rejected")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read callback payload", zap.String("ref", ref), zap.Error(err))
		h.sendCallbackResponse(w, http.StatusBadRequest, 1, "Failed to read payload")
		return
	}

	ev, err := parse(payload)
	if err != nil {
		h.logger.Warn("failed to parse M-Pesa callback",
			zap.String("kind", kind),
			zap.String("ref", ref),
			zap.Error(err))
		h.sendCallbackResponse(w, http.StatusBadRequest, 1, "Invalid payload")
		return
	}

	outcome, err := h.events.HandleEvent(ctx, mpesa.Name, ev, ref)
	if err != nil {
		h.logger.Error("failed to process M-Pesa callback",
			zap.String("kind", kind),
			zap.String("ref", ref),
			zap.Error(err))
		h.sendCallbackResponse(w, http.StatusInternalServerError, 1, "Temporary failure")
		return
	}

	h.logger.Info("M-Pesa callback processed",
		zap.String("kind", kind),
		zap.String("ref", ref),
		zap.String("event", ev.EventType),
		zap.String("outcome", outcome.String()))
	h.sendCallbackResponse(w, http.StatusOK, 0, "Accepted")
}

// sendCallbackResponse writes the acknowledgement shape Daraja expects.
func (h *CallbackHandler) sendCallbackResponse(w http.ResponseWriter, status, resultCode int, resultDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := map[string]interface{}{
		"ResultCode": resultCode,
		"ResultDesc": resultDesc,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode callback response", zap.Error(err))
	}
}

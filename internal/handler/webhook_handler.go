// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/internal/usecase/callback"
	"ussd-service/pkg/security"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// EventHandler applies a verified provider event.
type EventHandler interface {
	HandleEvent(ctx context.Context, providerName string, ev *domain.ProviderEvent, txID string) (callback.Outcome, error)
}

type WebhookHandler struct {
	events  EventHandler
	secrets map[string]string
	maxSkew time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewWebhookHandler takes the signing secret of every provider allowed to
// post webhooks, keyed by provider name.
func NewWebhookHandler(events EventHandler, secrets map[string]string, maxSkew time.Duration, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		events:  events,
		secrets: secrets,
		maxSkew: maxSkew,
		logger:  logger,
		now:     time.Now,
	}
}

// HandleProviderWebhook handles POST /api/v1/webhooks/{provider}. The
// response is written only after the ledger change is committed.
func (h *WebhookHandler) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")

	secret, ok := h.secrets[providerName]
	if !ok || secret == "" {
		h.logger.Warn("webhook for unconfigured provider", zap.String("provider", providerName))
		sendError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.String("provider", providerName), zap.Error(err))
		sendError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := security.VerifySignature(body, r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), secret, h.maxSkew, h.now()); err != nil {
		h.logger.Warn("rejected webhook signature",
			zap.String("provider", providerName),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		sendError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev domain.ProviderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Warn("webhook body is not a provider event", zap.String("provider", providerName), zap.Error(err))
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !knownEvent(ev.EventType) || ev.ProviderTxID == "" {
		h.logger.Warn("unsupported webhook event",
			zap.String("provider", providerName),
			zap.String("event", ev.EventType))
		sendError(w, http.StatusBadRequest, "unsupported event")
		return
	}

	outcome, err := h.events.HandleEvent(ctx, providerName, &ev, "")
	if err != nil {
		h.logger.Error("failed to apply webhook",
			zap.String("provider", providerName),
			zap.String("provider_tx_id", ev.ProviderTxID),
			zap.Error(err))
		sendError(w, http.StatusInternalServerError, "event not applied, retry later")
		return
	}

	h.logger.Info("webhook processed",
		zap.String("provider", providerName),
		zap.String("event", ev.EventType),
		zap.String("provider_tx_id", ev.ProviderTxID),
		zap.String("outcome", outcome.String()))
	sendSuccess(w, http.StatusOK, "webhook received", map[string]interface{}{
		"outcome": outcome.String(),
	})
}

func knownEvent(t string) bool {
	switch t {
	case domain.EventCollectionCompleted, domain.EventCollectionFailed,
		domain.EventDisbursementCompleted, domain.EventDisbursementFailed:
		return true
	}
	return false
}

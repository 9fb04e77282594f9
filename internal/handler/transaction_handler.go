// internal/handler/transaction_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"ussd-service/internal/domain"
	"ussd-service/internal/usecase/callback"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxHistoryLimit = 50

type TransactionService interface {
	History(ctx context.Context, phone string, limit int) ([]*domain.Transaction, error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	Retry(ctx context.Context, txID string) (*domain.Transaction, error)
	Cancel(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Gate authorizes a money movement for an authenticated caller.
type Gate interface {
	AuthorizeChannel(ctx context.Context, phone, purpose string, op domain.Operation) (*domain.UserContext, error)
}

type StatusReconciler interface {
	Reconcile(ctx context.Context, txID string) (*domain.Transaction, callback.Outcome, error)
}

// TransactionHandler exposes the caller's own ledger entries. Routes sit
// behind RequireSession.
type TransactionHandler struct {
	txs        TransactionService
	reconciler StatusReconciler
	gate       Gate
	logger     *zap.Logger
}

func NewTransactionHandler(txs TransactionService, reconciler StatusReconciler, gate Gate, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{txs: txs, reconciler: reconciler, gate: gate, logger: logger}
}

// List handles GET /api/v1/transactions?phone=&limit=
func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, _ := GetPhone(r.Context())

	phone := r.URL.Query().Get("phone")
	if phone == "" {
		phone = caller
	}
	if phone != caller {
		sendError(w, http.StatusForbidden, domain.ErrForbidden.Error())
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	txs, err := h.txs.History(r.Context(), phone, limit)
	if err != nil {
		h.logger.Error("failed to list transactions", zap.String("phone", phone), zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	sendSuccess(w, http.StatusOK, "", txs)
}

// Retry handles POST /api/v1/transactions/{id}/retry. A retry moves money
// again, so it passes the same gate as the original operation; callers
// without a recent OTP get 401 with ErrRequiresRecentAuth.
func (h *TransactionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	orig, ok := h.load(w, r)
	if !ok {
		return
	}
	id := orig.ID

	op, ok := domain.OperationFor(orig.Type)
	if !ok {
		sendError(w, http.StatusConflict, domain.ErrInvalidTransition.Error())
		return
	}
	if _, err := h.gate.AuthorizeChannel(r.Context(), orig.PhoneNumber, PurposeAPI, op); err != nil {
		h.logger.Info("retry not authorized", zap.String("tx_id", id), zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}

	tx, err := h.txs.Retry(r.Context(), id)
	if err != nil {
		h.logger.Warn("retry failed", zap.String("tx_id", id), zap.Error(err))
		if tx != nil {
			sendSuccess(w, statusFor(err), err.Error(), tx)
			return
		}
		sendError(w, statusFor(err), errorMessage(err))
		return
	}
	sendSuccess(w, http.StatusCreated, "transaction retried", tx)
}

// Cancel handles POST /api/v1/transactions/{id}/cancel.
func (h *TransactionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}

	tx, err := h.txs.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Warn("cancel failed", zap.String("tx_id", id), zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}
	sendSuccess(w, http.StatusOK, "transaction cancelled", tx)
}

// Reconcile handles POST /api/v1/transactions/{id}/reconcile: the provider
// is asked for the current status and the answer is applied.
func (h *TransactionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}

	tx, outcome, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		h.logger.Warn("reconcile failed", zap.String("tx_id", id), zap.Error(err))
		sendError(w, statusFor(err), errorMessage(err))
		return
	}
	sendSuccess(w, http.StatusOK, outcome.String(), tx)
}

// owned checks the {id} transaction belongs to the caller.
func (h *TransactionHandler) owned(w http.ResponseWriter, r *http.Request) (string, bool) {
	tx, ok := h.load(w, r)
	if !ok {
		return "", false
	}
	return tx.ID, true
}

// load fetches the {id} transaction if it belongs to the caller. Someone
// else's transaction looks the same as a missing one.
func (h *TransactionHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	id := chi.URLParam(r, "id")
	caller, _ := GetPhone(r.Context())

	tx, err := h.txs.Get(r.Context(), id)
	if err != nil || tx.PhoneNumber != caller {
		sendError(w, http.StatusNotFound, domain.ErrTransactionNotFound.Error())
		return nil, false
	}
	return tx, true
}

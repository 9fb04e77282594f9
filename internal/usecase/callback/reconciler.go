// internal/usecase/callback/reconciler.go
package callback

import (
	"context"
	"errors"
	"fmt"

	"ussd-service/internal/domain"
	"ussd-service/internal/metrics"
	"ussd-service/internal/provider"
	"ussd-service/internal/repository"

	"go.uber.org/zap"
)

type Outcome int

const (
	// Applied means the event changed the transaction.
	Applied Outcome = iota
	// Duplicate means the transaction was already final.
	Duplicate
	// Unknown means no transaction matches the reference.
	Unknown
	// Ignored means the event does not apply to the transaction.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Unknown:
		return "unknown"
	}
	return "ignored"
}

// Settler applies an event to a loaded transaction.
type Settler interface {
	Settle(ctx context.Context, tx *domain.Transaction, ev *domain.ProviderEvent) (bool, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Reconciler turns provider results into ledger changes. Results for the
// same transaction are serialized; a redelivered result is a no-op.
type Reconciler struct {
	ledger    repository.TransactionRepository
	settler   Settler
	providers *provider.Registry
	locker    Locker
	logger    *zap.Logger
}

func NewReconciler(ledger repository.TransactionRepository, settler Settler, providers *provider.Registry, locker Locker, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		settler:   settler,
		providers: providers,
		locker:    locker,
		logger:    logger,
	}
}

// HandleEvent applies ev from providerName. txID is set when the transport
// carries our own reference (M-Pesa callbacks); otherwise the transaction is
// found by the provider's reference. A returned error means nothing was
// committed and the provider should redeliver.
func (r *Reconciler) HandleEvent(ctx context.Context, providerName string, ev *domain.ProviderEvent, txID string) (Outcome, error) {
	tx, err := r.lookup(ctx, providerName, ev, txID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		r.logger.Warn("provider event for unknown reference",
			zap.String("provider", providerName),
			zap.String("event", ev.EventType),
			zap.String("provider_tx_id", ev.ProviderTxID),
			zap.String("tx_id", txID))
		metrics.ProviderEvents.WithLabelValues(ev.EventType, Unknown.String()).Inc()
		return Unknown, nil
	}
	if err != nil {
		return Ignored, err
	}
	return r.apply(ctx, tx.ID, ev)
}

// lookup falls back to the echoed reference when the provider's own id was
// never stored on the row.
func (r *Reconciler) lookup(ctx context.Context, providerName string, ev *domain.ProviderEvent, txID string) (*domain.Transaction, error) {
	if txID == "" {
		tx, err := r.ledger.GetByExternalRef(ctx, providerName, ev.ProviderTxID)
		if !errors.Is(err, domain.ErrTransactionNotFound) || ev.Reference == "" {
			return tx, err
		}
		txID = ev.Reference
	}
	tx, err := r.ledger.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Provider != providerName {
		return nil, fmt.Errorf("%w: %s belongs to %q", domain.ErrTransactionNotFound, txID, tx.Provider)
	}
	return tx, nil
}

func (r *Reconciler) apply(ctx context.Context, txID string, ev *domain.ProviderEvent) (Outcome, error) {
	outcome := Ignored
	err := r.locker.WithLock(ctx, "tx:"+txID, func(ctx context.Context) error {
		// reload under the lock; a concurrent delivery may have settled it
		tx, err := r.ledger.GetByID(ctx, txID)
		if err != nil {
			return err
		}
		wasFinal := tx.Status.IsFinal()
		flagged := tx.NeedsReconciliation

		changed, err := r.settler.Settle(ctx, tx, ev)
		if err != nil {
			return err
		}
		switch {
		case wasFinal:
			outcome = Duplicate
		case changed:
			outcome = Applied
			if flagged && tx.Status.IsFinal() {
				if err := r.ledger.FlagReconciliation(context.WithoutCancel(ctx), tx.ID, false); err != nil {
					r.logger.Warn("failed to clear reconciliation flag", zap.String("tx_id", tx.ID), zap.Error(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("provider event not applied",
			zap.String("tx_id", txID),
			zap.String("event", ev.EventType),
			zap.Error(err))
		metrics.ProviderEventErrors.Inc()
		return Ignored, err
	}

	metrics.ProviderEvents.WithLabelValues(ev.EventType, outcome.String()).Inc()
	r.logger.Info("provider event processed",
		zap.String("tx_id", txID),
		zap.String("event", ev.EventType),
		zap.String("outcome", outcome.String()))
	return outcome, nil
}

// Reconcile asks the provider for the current state of a pending
// transaction and applies the answer through the same path as a webhook.
// A transaction the provider still reports as pending is left alone.
func (r *Reconciler) Reconcile(ctx context.Context, txID string) (*domain.Transaction, Outcome, error) {
	tx, err := r.ledger.GetByID(ctx, txID)
	if err != nil {
		return nil, Ignored, err
	}
	if tx.Status.IsFinal() {
		return tx, Duplicate, nil
	}

	var kind provider.Kind
	switch tx.Type {
	case domain.TxTypeDeposit:
		kind = provider.KindCollection
	case domain.TxTypeWithdrawal:
		kind = provider.KindDisbursement
	default:
		return nil, Ignored, fmt.Errorf("%w: %s transactions have no provider leg", domain.ErrValidation, tx.Type)
	}

	p, err := r.providers.Get(tx.Provider)
	if err != nil {
		return nil, Ignored, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	ref := providerRef(tx, kind)
	if ref == "" {
		// the provider never acknowledged the request; nothing to ask about
		return tx, Ignored, nil
	}

	status, err := p.QueryStatus(ctx, kind, ref)
	if err != nil {
		return nil, Ignored, fmt.Errorf("query %s: %w", p.Name(), err)
	}
	ev := status.Event(kind, p.Currency())
	if ev == nil {
		return tx, Ignored, nil
	}
	ev.ProviderTxID = ref

	outcome, err := r.apply(ctx, tx.ID, ev)
	if err != nil {
		return nil, outcome, err
	}
	tx, err = r.ledger.GetByID(ctx, txID)
	return tx, outcome, err
}

// providerRef is the reference the provider knows tx by. A reference that
// could not be stored on the row survives in the stage metadata.
func providerRef(tx *domain.Transaction, kind provider.Kind) string {
	if ref := tx.Ref(); ref != "" {
		return ref
	}
	return tx.Metadata.StageRefs[string(kind)]
}

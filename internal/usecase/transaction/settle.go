package transaction

import (
	"context"
	"fmt"

	"ussd-service/internal/domain"

	"go.uber.org/zap"
)

// Settle applies a provider's asynchronous result to tx, which the caller
// has loaded under the transaction lock. It reports false when the event
// changes nothing. An error means the local effect was not committed and
// the provider should redeliver.
func (s *Service) Settle(ctx context.Context, tx *domain.Transaction, ev *domain.ProviderEvent) (bool, error) {
	if tx.Status.IsFinal() {
		if tx.Status == domain.TxStatusCancelled && ev.Succeeded() && !tx.NeedsReconciliation {
			s.logger.Warn("provider settled a cancelled transaction",
				zap.String("tx_id", tx.ID),
				zap.String("event", ev.EventType),
				zap.String("provider_tx_id", ev.ProviderTxID))
			if err := s.ledger.FlagReconciliation(ctx, tx.ID, true); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	ctx = context.WithoutCancel(ctx)
	if ev.Receipt != "" {
		if tx.Metadata.Extra == nil {
			tx.Metadata.Extra = make(map[string]any)
		}
		tx.Metadata.Extra["receipt"] = ev.Receipt
	}

	switch {
	case tx.Type == domain.TxTypeDeposit && ev.EventType == domain.EventCollectionCompleted:
		return true, s.settleDeposit(ctx, tx, ev)

	case tx.Type == domain.TxTypeDeposit && ev.EventType == domain.EventCollectionFailed:
		tx.Metadata.FailureReason = "collection failed: " + ev.Description
		return true, s.finish(ctx, tx, domain.TxStatusFailed)

	case tx.Type == domain.TxTypeWithdrawal && ev.EventType == domain.EventDisbursementCompleted:
		ref := tx.Ref()
		if ref == "" {
			ref = ev.ProviderTxID
		}
		return true, s.complete(ctx, tx, ref)

	case tx.Type == domain.TxTypeWithdrawal && ev.EventType == domain.EventDisbursementFailed:
		return true, s.settleFailedPayout(ctx, tx, ev)
	}

	s.logger.Warn("event does not apply to transaction",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("event", ev.EventType))
	return false, nil
}

// settleDeposit mints the settlement amount, then completes. The mint
// reference is stable so a redelivered event cannot mint twice.
func (s *Service) settleDeposit(ctx context.Context, tx *domain.Transaction, ev *domain.ProviderEvent) error {
	if tx.Metadata.SettlementAmount == nil {
		return fmt.Errorf("deposit %s has no settlement amount", tx.ID)
	}
	amount := *tx.Metadata.SettlementAmount

	if ev.Amount.IsPositive() && !ev.Amount.Equal(tx.Amount) && tx.Metadata.Rate != nil {
		collected := ev.Amount.Mul(*tx.Metadata.Rate).Round(6)
		s.logger.Warn("collected amount differs from request",
			zap.String("tx_id", tx.ID),
			zap.String("requested", tx.Amount.String()),
			zap.String("collected", ev.Amount.String()))
		amount = collected
		tx.Metadata.SettlementAmount = domain.DecimalPtr(collected)
	}

	acct, err := s.accounts.GetByPhone(ctx, tx.PhoneNumber)
	if err != nil {
		return err
	}

	if !tx.Metadata.StageDone("mint") {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		hash, err := s.custody.Mint(callCtx, acct.CustodyAddress, amount, stageRef(tx, "mint"))
		cancel()
		if err != nil {
			s.logger.Error("deposit mint failed", zap.String("tx_id", tx.ID), zap.Error(err))
			return fmt.Errorf("mint: %w", err)
		}
		tx.Metadata.SetStageRef("mint", hash)
		tx.Metadata.MintedAmount = domain.DecimalPtr(amount)
		tx.Metadata.CompletedStages = append(tx.Metadata.CompletedStages, "mint")
	}

	ref := tx.Ref()
	if ref == "" {
		ref = ev.ProviderTxID
	}
	if err := s.complete(ctx, tx, ref); err != nil {
		return err
	}
	s.refreshBalance(ctx, tx.PhoneNumber)
	return nil
}

// settleFailedPayout returns burned tokens before failing the withdrawal.
// A withdrawal burns its full amount, so a recorded burn stage without an
// amount still re-mints tx.Amount.
func (s *Service) settleFailedPayout(ctx context.Context, tx *domain.Transaction, ev *domain.ProviderEvent) error {
	burned := tx.Metadata.BurnedAmount
	if burned == nil && tx.Metadata.StageDone("burn") {
		burned = domain.DecimalPtr(tx.Amount)
	}
	if burned != nil && !tx.Metadata.StageDone("remint") {
		acct, err := s.accounts.GetByPhone(ctx, tx.PhoneNumber)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CompensationTimeout)
		hash, err := s.custody.Mint(callCtx, acct.CustodyAddress, *burned, stageRef(tx, "remint"))
		cancel()
		if err != nil {
			s.logger.Error("payout compensation failed", zap.String("tx_id", tx.ID), zap.Error(err))
			return fmt.Errorf("remint: %w", err)
		}
		tx.Metadata.SetStageRef("remint", hash)
		tx.Metadata.MintedAmount = domain.DecimalPtr(*burned)
		tx.Metadata.CompletedStages = append(tx.Metadata.CompletedStages, "remint")
	}

	tx.Metadata.FailureReason = "payout failed: " + ev.Description
	if err := s.finish(ctx, tx, domain.TxStatusFailed); err != nil {
		return err
	}
	s.refreshBalance(ctx, tx.PhoneNumber)
	return nil
}

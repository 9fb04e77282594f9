// internal/usecase/transaction/operations.go
package transaction

import (
	"context"
	"errors"
	"fmt"

	"ussd-service/internal/domain"
	"ussd-service/internal/provider"
	"ussd-service/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type TransferRequest struct {
	Phone     string
	Recipient string
	Amount    decimal.Decimal
}

// DepositRequest is denominated in the provider's currency.
type DepositRequest struct {
	Phone    string
	Provider string
	Amount   decimal.Decimal
}

// WithdrawRequest is denominated in the base currency.
type WithdrawRequest struct {
	Phone    string
	Provider string
	Amount   decimal.Decimal
}

type InvestRequest struct {
	Phone  string
	Vault  string
	Amount decimal.Decimal
}

func accountLockKey(phone string) string {
	return "account:" + phone
}

// txLockKey is the lock provider results take before touching tx; sagas
// hold it while a provider leg is in flight.
func txLockKey(id string) string {
	return "tx:" + id
}

func stageRef(tx *domain.Transaction, stage string) string {
	return tx.ID + ":" + stage
}

// guarded runs fn under tx's own lock. A transaction whose lock cannot be
// taken never starts its saga and is failed on the spot.
func (s *Service) guarded(ctx context.Context, tx *domain.Transaction, fn func(context.Context) error) error {
	ran := false
	err := s.locker.WithLock(ctx, txLockKey(tx.ID), func(ctx context.Context) error {
		ran = true
		return fn(ctx)
	})
	if err != nil && !ran {
		s.fail(ctx, tx, "transaction lock unavailable: "+err.Error(), false)
	}
	return err
}

// checkpoint persists the saga's progress with stage marked done.
func (s *Service) checkpoint(tx *domain.Transaction, stage string) func(context.Context) error {
	return func(ctx context.Context) error {
		if !tx.Metadata.StageDone(stage) {
			tx.Metadata.CompletedStages = append(tx.Metadata.CompletedStages, stage)
		}
		return s.ledger.UpdateMetadata(ctx, tx.ID, tx.Metadata)
	}
}

func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*domain.Transaction, error) {
	return s.transfer(ctx, req, lineage{})
}

func (s *Service) transfer(ctx context.Context, req TransferRequest, l lineage) (*domain.Transaction, error) {
	if err := s.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.Recipient == req.Phone {
		return nil, domain.ErrSelfTransfer
	}

	sender, err := s.accounts.GetByPhone(ctx, req.Phone)
	if err != nil {
		return nil, err
	}
	recipient, err := s.accounts.GetByPhone(ctx, req.Recipient)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRecipientNotFound, req.Recipient)
	}
	if err != nil {
		return nil, err
	}

	fee := s.cfg.TransferFee
	tx := newTransaction(req.Phone, domain.TxTypeTransfer, req.Amount, domain.BaseCurrency, "", domain.TransactionMetadata{
		Recipient: req.Recipient,
		Fee:       domain.DecimalPtr(fee),
	}, l)

	err = s.locker.WithLock(ctx, accountLockKey(req.Phone), func(lockCtx context.Context) error {
		ctx := context.WithoutCancel(lockCtx)

		if err := s.begin(ctx, tx); err != nil {
			return err
		}
		if err := s.requireBalance(ctx, tx, sender, req.Amount.Add(fee)); err != nil {
			return err
		}

		var stages []Stage
		if fee.IsPositive() {
			stages = append(stages, Stage{
				Name: "fee",
				Forward: func(ctx context.Context) error {
					hash, err := s.custody.Transfer(ctx, sender.CustodyAddress, s.cfg.TreasuryAddress, fee, stageRef(tx, "fee"))
					if err == nil {
						tx.Metadata.SetStageRef("fee", hash)
					}
					return err
				},
				Compensate: func(ctx context.Context) error {
					_, err := s.custody.Transfer(ctx, s.cfg.TreasuryAddress, sender.CustodyAddress, fee, stageRef(tx, "fee_refund"))
					return err
				},
			})
		}
		stages = append(stages, Stage{
			Name: "transfer",
			Forward: func(ctx context.Context) error {
				hash, err := s.custody.Transfer(ctx, sender.CustodyAddress, recipient.CustodyAddress, req.Amount, stageRef(tx, "transfer"))
				if err == nil {
					tx.Metadata.SetStageRef("transfer", hash)
				}
				return err
			},
		})

		if err := s.conclude(ctx, tx, s.saga.run(ctx, tx.ID, stages)); err != nil {
			return err
		}
		if err := s.complete(ctx, tx, tx.Metadata.StageRefs["transfer"]); err != nil {
			return err
		}

		s.recordReceipt(ctx, tx)
		s.refreshBalance(ctx, req.Phone)
		s.refreshBalance(ctx, req.Recipient)
		return nil
	})
	return tx, err
}

// recordReceipt writes the recipient's side of a completed transfer.
func (s *Service) recordReceipt(ctx context.Context, sent *domain.Transaction) {
	ref := sent.Ref()
	rx := newTransaction(sent.Metadata.Recipient, domain.TxTypeReceive, sent.Amount, sent.Currency, "", domain.TransactionMetadata{
		Sender: sent.PhoneNumber,
		Extra:  map[string]any{"transfer_id": sent.ID},
	}, lineage{})
	rx.Status = domain.TxStatusCompleted
	rx.ExternalRef = &ref
	rx.CompletedAt = sent.CompletedAt

	if err := s.ledger.Create(ctx, rx); err != nil {
		s.logger.Error("failed to record receipt",
			zap.String("transfer_id", sent.ID),
			zap.String("recipient", rx.PhoneNumber),
			zap.Error(err))
		return
	}
	s.publish(ctx, rx)
	s.notify(ctx, rx.PhoneNumber, notification(rx))
}

// Deposit asks the provider to collect fiat from the customer. The
// transaction stays pending until the provider confirms; tokens are minted
// only then.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*domain.Transaction, error) {
	return s.deposit(ctx, req, lineage{})
}

func (s *Service) deposit(ctx context.Context, req DepositRequest, l lineage) (*domain.Transaction, error) {
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.Amount.LessThan(p.MinAmount()) {
		return nil, fmt.Errorf("%w: minimum is %s %s", domain.ErrBelowMinimum, p.MinAmount().String(), p.Currency())
	}
	if _, err := s.accounts.GetByPhone(ctx, req.Phone); err != nil {
		return nil, err
	}

	settlement, rate, err := s.fx.Convert(req.Amount, p.Currency(), domain.BaseCurrency)
	if err != nil {
		return nil, err
	}
	if settlement.GreaterThan(s.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: maximum is %s %s", domain.ErrLimitExceeded, s.cfg.MaxAmount.StringFixed(2), domain.BaseCurrency)
	}

	tx := newTransaction(req.Phone, domain.TxTypeDeposit, req.Amount, p.Currency(), p.Name(), domain.TransactionMetadata{
		SettlementAmount:   domain.DecimalPtr(settlement),
		SettlementCurrency: domain.BaseCurrency,
		Rate:               domain.DecimalPtr(rate),
	}, l)

	ctx = context.WithoutCancel(ctx)
	if err := s.begin(ctx, tx); err != nil {
		return nil, err
	}

	err = s.guarded(ctx, tx, func(ctx context.Context) error {
		res := s.saga.run(ctx, tx.ID, []Stage{{
			Name: "collection",
			Forward: func(ctx context.Context) error {
				return s.initiate(ctx, tx, p, provider.KindCollection, req.Amount)
			},
		}})
		if err := s.conclude(ctx, tx, res); err != nil {
			return err
		}
		s.persistProgress(ctx, tx)
		return nil
	})
	return tx, err
}

// initiate starts a provider leg and stores its reference right away so the
// webhook can find the transaction.
func (s *Service) initiate(ctx context.Context, tx *domain.Transaction, p provider.SettlementProvider, kind provider.Kind, amount decimal.Decimal) error {
	req := &provider.Request{Reference: tx.ID, Phone: tx.PhoneNumber, Amount: amount, Currency: p.Currency()}

	var (
		res *provider.InitResult
		err error
	)
	if kind == provider.KindCollection {
		res, err = p.InitiateCollection(ctx, req)
	} else {
		res, err = p.InitiateDisbursement(ctx, req)
	}
	if err != nil {
		return err
	}

	tx.Metadata.ProviderRequestID = res.RequestID
	tx.Metadata.SetStageRef(string(kind), res.ProviderRef)

	// the provider has the request; from here on only a reconciliation can
	// undo it, so a lost reference flags the transaction instead of failing it
	storeCtx := context.WithoutCancel(ctx)
	if err := s.ledger.SetExternalRef(storeCtx, tx.ID, res.ProviderRef); err != nil {
		s.logger.Error("failed to store provider reference",
			zap.String("tx_id", tx.ID),
			zap.String("provider_ref", res.ProviderRef),
			zap.String("provider_request_id", res.RequestID),
			zap.Error(err))
		tx.NeedsReconciliation = true
		if err := s.ledger.UpdateMetadata(storeCtx, tx.ID, tx.Metadata); err != nil {
			s.logger.Error("failed to record provider request", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		if err := s.ledger.FlagReconciliation(storeCtx, tx.ID, true); err != nil {
			s.logger.Error("failed to flag transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		return nil
	}
	ref := res.ProviderRef
	tx.ExternalRef = &ref
	return nil
}

func (s *Service) persistProgress(ctx context.Context, tx *domain.Transaction) {
	if err := s.ledger.UpdateMetadata(ctx, tx.ID, tx.Metadata); err != nil {
		s.logger.Warn("failed to persist saga progress", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}

// Withdraw burns tokens and pays the converted amount out through the
// provider. A rejected payout re-mints what was burned.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*domain.Transaction, error) {
	return s.withdraw(ctx, req, lineage{})
}

func (s *Service) withdraw(ctx context.Context, req WithdrawRequest, l lineage) (*domain.Transaction, error) {
	if err := s.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	acct, err := s.accounts.GetByPhone(ctx, req.Phone)
	if err != nil {
		return nil, err
	}

	payout, rate, err := s.fx.Convert(req.Amount, domain.BaseCurrency, p.Currency())
	if err != nil {
		return nil, err
	}
	if payout.LessThan(p.MinAmount()) {
		return nil, fmt.Errorf("%w: minimum payout is %s %s", domain.ErrBelowMinimum, p.MinAmount().String(), p.Currency())
	}

	tx := newTransaction(req.Phone, domain.TxTypeWithdrawal, req.Amount, domain.BaseCurrency, p.Name(), domain.TransactionMetadata{
		SettlementAmount:   domain.DecimalPtr(payout),
		SettlementCurrency: p.Currency(),
		Rate:               domain.DecimalPtr(rate),
	}, l)

	err = s.locker.WithLock(ctx, accountLockKey(req.Phone), func(lockCtx context.Context) error {
		ctx := context.WithoutCancel(lockCtx)

		if err := s.begin(ctx, tx); err != nil {
			return err
		}
		if err := s.requireBalance(ctx, tx, acct, req.Amount); err != nil {
			return err
		}

		stages := []Stage{
			{
				Name: "burn",
				Forward: func(ctx context.Context) error {
					hash, err := s.custody.Burn(ctx, acct.CustodyAddress, req.Amount, stageRef(tx, "burn"))
					if err == nil {
						tx.Metadata.SetStageRef("burn", hash)
						tx.Metadata.BurnedAmount = domain.DecimalPtr(req.Amount)
					}
					return err
				},
				Compensate: func(ctx context.Context) error {
					hash, err := s.custody.Mint(ctx, acct.CustodyAddress, req.Amount, stageRef(tx, "remint"))
					if err == nil {
						tx.Metadata.SetStageRef("remint", hash)
						tx.Metadata.MintedAmount = domain.DecimalPtr(req.Amount)
					}
					return err
				},
				// the payout result may arrive before this call returns; it
				// must find the burn on record to re-mint it
				Checkpoint: s.checkpoint(tx, "burn"),
			},
			{
				Name: "payout",
				Forward: func(ctx context.Context) error {
					return s.initiate(ctx, tx, p, provider.KindDisbursement, payout)
				},
			},
		}

		err := s.guarded(ctx, tx, func(ctx context.Context) error {
			if err := s.conclude(ctx, tx, s.saga.run(ctx, tx.ID, stages)); err != nil {
				return err
			}
			s.persistProgress(ctx, tx)
			return nil
		})
		s.refreshBalance(ctx, req.Phone)
		return err
	})
	return tx, err
}

// Invest moves tokens into a yield vault.
func (s *Service) Invest(ctx context.Context, req InvestRequest) (*domain.Transaction, error) {
	return s.invest(ctx, req, lineage{})
}

func (s *Service) invest(ctx context.Context, req InvestRequest, l lineage) (*domain.Transaction, error) {
	if err := s.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	vault, err := s.Vault(req.Vault)
	if err != nil {
		return nil, err
	}
	acct, err := s.accounts.GetByPhone(ctx, req.Phone)
	if err != nil {
		return nil, err
	}

	tx := newTransaction(req.Phone, domain.TxTypeInvestment, req.Amount, domain.BaseCurrency, "", domain.TransactionMetadata{
		Vault: vault.ID,
	}, l)

	err = s.locker.WithLock(ctx, accountLockKey(req.Phone), func(lockCtx context.Context) error {
		ctx := context.WithoutCancel(lockCtx)

		if err := s.begin(ctx, tx); err != nil {
			return err
		}
		if err := s.requireBalance(ctx, tx, acct, req.Amount); err != nil {
			return err
		}

		stages := []Stage{{
			Name: "vault_deposit",
			Forward: func(ctx context.Context) error {
				hash, err := s.custody.DepositToVault(ctx, vault.Address, acct.CustodyAddress, req.Amount, stageRef(tx, "vault_deposit"))
				if err == nil {
					tx.Metadata.SetStageRef("vault_deposit", hash)
				}
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.custody.RedeemFromVault(ctx, vault.Address, acct.CustodyAddress, req.Amount, stageRef(tx, "vault_redeem"))
				return err
			},
		}}

		if err := s.conclude(ctx, tx, s.saga.run(ctx, tx.ID, stages)); err != nil {
			return err
		}
		if err := s.complete(ctx, tx, tx.Metadata.StageRefs["vault_deposit"]); err != nil {
			return err
		}
		s.refreshBalance(ctx, req.Phone)
		return nil
	})
	return tx, err
}

// Retry replays a failed transaction as a fresh attempt. Each failed row
// can be retried once; the attempt's id is claimed on the row before any
// money moves, so a chain of retries ends after MaxRetries.
func (s *Service) Retry(ctx context.Context, txID string) (*domain.Transaction, error) {
	var orig *domain.Transaction
	var l lineage
	err := s.locker.WithLock(ctx, txLockKey(txID), func(ctx context.Context) error {
		var err error
		orig, err = s.ledger.GetByID(ctx, txID)
		if err != nil {
			return err
		}
		if orig.Status != domain.TxStatusFailed {
			return fmt.Errorf("%w: only failed transactions can be retried, %s is %s", domain.ErrInvalidTransition, orig.ID, orig.Status)
		}
		if orig.Metadata.RetriedBy != "" {
			return fmt.Errorf("%w: %s was already retried as %s", domain.ErrInvalidTransition, orig.ID, orig.Metadata.RetriedBy)
		}
		if orig.Metadata.RetryCount >= domain.MaxRetries {
			return fmt.Errorf("%w: %s already retried %d times", domain.ErrRetryLimit, orig.ID, orig.Metadata.RetryCount)
		}
		if _, ok := domain.OperationFor(orig.Type); !ok {
			return fmt.Errorf("%w: %s transactions cannot be retried", domain.ErrInvalidTransition, orig.Type)
		}

		l = lineage{id: utils.GenerateID("TX"), retryOf: orig.ID, retryCount: orig.Metadata.RetryCount + 1}
		orig.Metadata.RetriedBy = l.id
		return s.ledger.UpdateMetadata(ctx, orig.ID, orig.Metadata)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("retrying transaction",
		zap.String("tx_id", orig.ID),
		zap.String("retry_id", l.id),
		zap.Int("retry_count", l.retryCount))

	tx, err := s.replay(ctx, orig, l)
	if err != nil {
		s.releaseRetry(ctx, orig, l.id)
	}
	return tx, err
}

func (s *Service) replay(ctx context.Context, orig *domain.Transaction, l lineage) (*domain.Transaction, error) {
	switch orig.Type {
	case domain.TxTypeTransfer:
		return s.transfer(ctx, TransferRequest{Phone: orig.PhoneNumber, Recipient: orig.Metadata.Recipient, Amount: orig.Amount}, l)
	case domain.TxTypeDeposit:
		return s.deposit(ctx, DepositRequest{Phone: orig.PhoneNumber, Provider: orig.Provider, Amount: orig.Amount}, l)
	case domain.TxTypeWithdrawal:
		return s.withdraw(ctx, WithdrawRequest{Phone: orig.PhoneNumber, Provider: orig.Provider, Amount: orig.Amount}, l)
	default:
		return s.invest(ctx, InvestRequest{Phone: orig.PhoneNumber, Vault: orig.Metadata.Vault, Amount: orig.Amount}, l)
	}
}

// releaseRetry clears a claim whose attempt was rejected before it was
// recorded, so the failed row can be retried again.
func (s *Service) releaseRetry(ctx context.Context, orig *domain.Transaction, retryID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.ledger.GetByID(ctx, retryID); !errors.Is(err, domain.ErrTransactionNotFound) {
		return
	}
	err := s.locker.WithLock(ctx, txLockKey(orig.ID), func(ctx context.Context) error {
		cur, err := s.ledger.GetByID(ctx, orig.ID)
		if err != nil {
			return err
		}
		if cur.Metadata.RetriedBy != retryID {
			return nil
		}
		cur.Metadata.RetriedBy = ""
		return s.ledger.UpdateMetadata(ctx, cur.ID, cur.Metadata)
	})
	if err != nil {
		s.logger.Warn("failed to release retry claim",
			zap.String("tx_id", orig.ID),
			zap.String("retry_id", retryID),
			zap.Error(err))
	}
}

// custodyStages are the stages that move tokens; once one of them has run a
// transaction can only be settled, not cancelled.
var custodyStages = []string{"fee", "transfer", "burn", "vault_deposit", "mint"}

// Cancel abandons a pending transaction that has not moved any tokens.
func (s *Service) Cancel(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.ledger.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TxStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, tx.ID, tx.Status)
	}
	if tx.NeedsReconciliation {
		return nil, fmt.Errorf("%w: %s awaits reconciliation", domain.ErrInvalidTransition, tx.ID)
	}
	for _, st := range custodyStages {
		if tx.Metadata.StageDone(st) {
			return nil, fmt.Errorf("%w: %s already ran %s", domain.ErrInvalidTransition, tx.ID, st)
		}
	}

	tx.Metadata.FailureReason = "cancelled by user"
	if err := s.finish(ctx, tx, domain.TxStatusCancelled); err != nil {
		return nil, err
	}
	return tx, nil
}

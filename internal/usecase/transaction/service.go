// internal/usecase/transaction/service.go
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ussd-service/config"
	"ussd-service/internal/custody"
	"ussd-service/internal/domain"
	"ussd-service/internal/fx"
	"ussd-service/internal/provider"
	"ussd-service/internal/repository"
	"ussd-service/pkg/utils"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const historyDefaultLimit = 5

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type Publisher interface {
	PublishTransaction(ctx context.Context, tx *domain.Transaction) error
}

type Notifier interface {
	Send(ctx context.Context, to, message, from string) (string, error)
}

type Config struct {
	TransferFee         decimal.Decimal
	MinAmount           decimal.Decimal
	MaxAmount           decimal.Decimal
	CallTimeout         time.Duration
	CompensationTimeout time.Duration
	TreasuryAddress     string
	SMSSender           string
	Vaults              []config.VaultConfig
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TransferFee:         cfg.Money.TransferFee,
		MinAmount:           cfg.Money.MinAmountUSD,
		MaxAmount:           cfg.Money.MaxAmountUSD,
		CallTimeout:         cfg.Money.ExternalCallTimeout,
		CompensationTimeout: cfg.Money.CompensationTimeout,
		TreasuryAddress:     cfg.Custody.TreasuryAddress,
		SMSSender:           cfg.SMS.Sender,
		Vaults:              cfg.Vaults,
	}
}

// Service moves money. Every mutating operation writes a pending
// Transaction before any external call and runs its external steps as a
// saga.
type Service struct {
	ledger    repository.TransactionRepository
	accounts  repository.AccountRepository
	custody   custody.Client
	providers *provider.Registry
	fx        *fx.Converter
	locker    Locker
	publisher Publisher
	notifier  Notifier
	cfg       Config
	saga      *sagaRunner
	logger    *zap.Logger
}

func NewService(
	ledger repository.TransactionRepository,
	accounts repository.AccountRepository,
	custodyClient custody.Client,
	providers *provider.Registry,
	converter *fx.Converter,
	locker Locker,
	publisher Publisher,
	notifier Notifier,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		ledger:    ledger,
		accounts:  accounts,
		custody:   custodyClient,
		providers: providers,
		fx:        converter,
		locker:    locker,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		saga: &sagaRunner{
			callTimeout:         cfg.CallTimeout,
			compensationTimeout: cfg.CompensationTimeout,
			logger:              logger,
		},
		logger: logger,
	}
}

// EnsureAccount returns the account for phone, creating it with a fresh
// custody wallet on first contact.
func (s *Service) EnsureAccount(ctx context.Context, phone string) (*domain.Account, error) {
	acct, err := s.accounts.GetByPhone(ctx, phone)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	addr, err := s.custody.CreateWallet(callCtx, phone)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to create custody wallet: %w", err)
	}

	acct = &domain.Account{PhoneNumber: phone, CustodyAddress: addr, CachedBalance: decimal.Zero}
	if err := s.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, domain.ErrAccountExists) {
			return s.accounts.GetByPhone(ctx, phone)
		}
		return nil, err
	}

	s.logger.Info("account created", zap.String("phone", phone), zap.String("address", addr))
	return acct, nil
}

func (s *Service) Account(ctx context.Context, phone string) (*domain.Account, error) {
	return s.accounts.GetByPhone(ctx, phone)
}

// Balance reads the authoritative custody balance and refreshes the cache.
func (s *Service) Balance(ctx context.Context, phone string) (decimal.Decimal, error) {
	acct, err := s.accounts.GetByPhone(ctx, phone)
	if err != nil {
		return decimal.Zero, err
	}
	return s.balanceOf(ctx, acct)
}

func (s *Service) balanceOf(ctx context.Context, acct *domain.Account) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	bal, err := s.custody.BalanceOf(callCtx, acct.CustodyAddress)
	if err != nil {
		return decimal.Zero, err
	}
	if !bal.Equal(acct.CachedBalance) {
		if err := s.accounts.UpdateCachedBalance(ctx, acct.PhoneNumber, bal); err != nil {
			s.logger.Warn("failed to update cached balance", zap.String("phone", acct.PhoneNumber), zap.Error(err))
		}
		acct.CachedBalance = bal
	}
	return bal, nil
}

func (s *Service) refreshBalance(ctx context.Context, phone string) {
	acct, err := s.accounts.GetByPhone(ctx, phone)
	if err != nil {
		s.logger.Warn("balance refresh skipped", zap.String("phone", phone), zap.Error(err))
		return
	}
	if _, err := s.balanceOf(ctx, acct); err != nil {
		s.logger.Warn("balance refresh failed", zap.String("phone", phone), zap.Error(err))
	}
}

func (s *Service) History(ctx context.Context, phone string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	return s.ledger.ListByPhone(ctx, phone, limit)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.ledger.GetByID(ctx, id)
}

func (s *Service) Vaults() []config.VaultConfig {
	return s.cfg.Vaults
}

func (s *Service) Vault(id string) (config.VaultConfig, error) {
	for _, v := range s.cfg.Vaults {
		if v.ID == id {
			return v, nil
		}
	}
	return config.VaultConfig{}, fmt.Errorf("%w: %s", domain.ErrVaultNotFound, id)
}

// Providers lists settlement providers in menu order.
func (s *Service) Providers() []provider.SettlementProvider {
	var out []provider.SettlementProvider
	for _, name := range s.providers.Names() {
		if p, err := s.providers.Get(name); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func (s *Service) Provider(name string) (provider.SettlementProvider, error) {
	return s.providers.Get(name)
}

// Fee is the flat transfer fee in the base currency.
func (s *Service) Fee() decimal.Decimal {
	return s.cfg.TransferFee
}

// ValidateAmount applies the base-currency per-operation limits.
func (s *Service) ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return domain.ErrInvalidAmount
	case amount.LessThan(s.cfg.MinAmount):
		return fmt.Errorf("%w: minimum is %s %s", domain.ErrBelowMinimum, s.cfg.MinAmount.StringFixed(2), domain.BaseCurrency)
	case amount.GreaterThan(s.cfg.MaxAmount):
		return fmt.Errorf("%w: maximum is %s %s", domain.ErrLimitExceeded, s.cfg.MaxAmount.StringFixed(2), domain.BaseCurrency)
	}
	return nil
}

// Convert exposes the rate table to callers that need a quote.
func (s *Service) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	out, _, err := s.fx.Convert(amount, from, to)
	return out, err
}

// lineage ties a retry to the transaction it replaces. id is the
// identifier the failed row already points at through RetriedBy.
type lineage struct {
	id         string
	retryOf    string
	retryCount int
}

func newTransaction(phone string, typ domain.TransactionType, amount decimal.Decimal, currency, providerName string, meta domain.TransactionMetadata, l lineage) *domain.Transaction {
	meta.RetryOf = l.retryOf
	meta.RetryCount = l.retryCount
	id := l.id
	if id == "" {
		id = utils.GenerateID("TX")
	}
	return &domain.Transaction{
		ID:          id,
		PhoneNumber: phone,
		Type:        typ,
		Amount:      amount,
		Currency:    currency,
		Status:      domain.TxStatusPending,
		Provider:    providerName,
		Metadata:    meta,
	}
}

// begin records the pending transaction. Nothing external happens before it.
func (s *Service) begin(ctx context.Context, tx *domain.Transaction) error {
	if err := s.ledger.Create(ctx, tx); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	s.logger.Info("transaction pending",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("phone", tx.PhoneNumber),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency))
	s.publish(ctx, tx)
	return nil
}

// requireBalance re-reads the authoritative balance. Callers hold the
// account lock so no other saga can spend between the check and the debit.
func (s *Service) requireBalance(ctx context.Context, tx *domain.Transaction, acct *domain.Account, need decimal.Decimal) error {
	bal, err := s.balanceOf(ctx, acct)
	if err != nil {
		s.fail(ctx, tx, "balance check failed: "+err.Error(), false)
		return fmt.Errorf("%w: balance check: %w", domain.ErrExternalFailure, err)
	}
	if bal.LessThan(need) {
		s.fail(ctx, tx, "insufficient balance", false)
		return fmt.Errorf("%w: have %s, need %s", domain.ErrInsufficientBalance, bal.String(), need.String())
	}
	return nil
}

// conclude maps a saga result onto the ledger. A nil return means every
// stage succeeded and the caller decides the final status.
func (s *Service) conclude(ctx context.Context, tx *domain.Transaction, res sagaResult) error {
	tx.Metadata.CompletedStages = res.Completed

	switch res.Outcome {
	case sagaCompleted:
		return nil

	case sagaUnknown:
		tx.NeedsReconciliation = true
		tx.Metadata.FailureReason = fmt.Sprintf("outcome unknown at %s: %v", res.FailedStage, res.Err)
		if err := s.ledger.UpdateMetadata(ctx, tx.ID, tx.Metadata); err != nil {
			s.logger.Error("failed to record saga progress", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		if err := s.ledger.FlagReconciliation(ctx, tx.ID, true); err != nil {
			s.logger.Error("failed to flag transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrReconciliationPending, res.FailedStage, res.Err)

	default:
		reason := fmt.Sprintf("%s: %v", res.FailedStage, res.Err)
		if res.CompensationErr != nil {
			reason += "; " + res.CompensationErr.Error()
		}
		s.fail(ctx, tx, reason, res.CompensationErr != nil)
		return fmt.Errorf("%s: %w", res.FailedStage, res.Err)
	}
}

func (s *Service) fail(ctx context.Context, tx *domain.Transaction, reason string, flag bool) {
	tx.Metadata.FailureReason = reason
	if err := s.finish(ctx, tx, domain.TxStatusFailed); err != nil {
		s.logger.Error("failed to mark transaction failed", zap.String("tx_id", tx.ID), zap.Error(err))
		flag = true
	}
	if flag {
		tx.NeedsReconciliation = true
		if err := s.ledger.FlagReconciliation(ctx, tx.ID, true); err != nil {
			s.logger.Error("failed to flag transaction", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}
}

// complete persists the external reference before the status so the
// completed-implies-reference invariant holds at every instant.
func (s *Service) complete(ctx context.Context, tx *domain.Transaction, ref string) error {
	if tx.Ref() != ref {
		if err := s.ledger.SetExternalRef(ctx, tx.ID, ref); err != nil {
			return s.completionFailed(ctx, tx, err)
		}
		tx.ExternalRef = &ref
	}
	if err := s.finish(ctx, tx, domain.TxStatusCompleted); err != nil {
		return s.completionFailed(ctx, tx, err)
	}
	return nil
}

func (s *Service) completionFailed(ctx context.Context, tx *domain.Transaction, err error) error {
	s.logger.Error("external step succeeded but completion was not recorded",
		zap.String("tx_id", tx.ID), zap.Error(err))
	if flagErr := s.ledger.FlagReconciliation(ctx, tx.ID, true); flagErr != nil {
		s.logger.Error("failed to flag transaction", zap.String("tx_id", tx.ID), zap.Error(flagErr))
	}
	return fmt.Errorf("%w: record completion: %w", domain.ErrReconciliationPending, err)
}

// finish moves a pending transaction to a final status, then announces it.
func (s *Service) finish(ctx context.Context, tx *domain.Transaction, status domain.TransactionStatus) error {
	if !tx.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tx.Status, status)
	}
	if err := s.ledger.UpdateStatus(ctx, tx.ID, status, tx.Metadata); err != nil {
		return err
	}

	now := time.Now().UTC()
	tx.Status = status
	tx.UpdatedAt = now
	if status == domain.TxStatusCompleted {
		tx.CompletedAt = &now
	}

	s.logger.Info("transaction finished",
		zap.String("tx_id", tx.ID),
		zap.String("type", string(tx.Type)),
		zap.String("status", string(status)),
		zap.String("external_ref", tx.Ref()),
		zap.String("reason", tx.Metadata.FailureReason))

	s.publish(ctx, tx)
	s.notify(ctx, tx.PhoneNumber, notification(tx))
	return nil
}

func (s *Service) publish(ctx context.Context, tx *domain.Transaction) {
	if err := s.publisher.PublishTransaction(ctx, tx); err != nil {
		s.logger.Warn("transaction event not published", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}

// notify is best effort; a lost SMS never changes a transaction.
func (s *Service) notify(ctx context.Context, phone, msg string) {
	if msg == "" {
		return
	}
	if _, err := s.notifier.Send(ctx, phone, msg, s.cfg.SMSSender); err != nil {
		s.logger.Warn("notification not sent", zap.String("phone", phone), zap.Error(err))
	}
}

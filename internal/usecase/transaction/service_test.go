package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/internal/fx"
	"ussd-service/internal/provider"
	"ussd-service/internal/testutil"
	"ussd-service/pkg/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alice    = "+254712345678"
	bob      = "+254798765432"
	treasury = "0xtreasury"
	vault    = "0xvault"
)

type env struct {
	svc      *Service
	ledger   *testutil.Ledger
	accounts *testutil.Accounts
	custody  *testutil.Custody
	mpesa    *testutil.Provider
	sms      *testutil.SMS
	pub      *testutil.Publisher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := &env{
		ledger:   testutil.NewLedger(),
		accounts: testutil.NewAccounts(),
		custody:  testutil.NewCustody(),
		mpesa:    testutil.NewProvider("mpesa", "KES", decimal.NewFromInt(10)),
		sms:      &testutil.SMS{},
		pub:      &testutil.Publisher{},
	}
	e.svc = NewService(
		e.ledger,
		e.accounts,
		e.custody,
		provider.NewRegistry(e.mpesa),
		fx.NewConverter(map[string]decimal.Decimal{"KES/USD": decimal.RequireFromString("0.0077")}),
		lock.NewRedisLocker(client, lock.DefaultOptions(), zap.NewNop()),
		e.pub,
		e.sms,
		Config{
			TransferFee:         decimal.RequireFromString("0.1"),
			MinAmount:           decimal.NewFromInt(1),
			MaxAmount:           decimal.NewFromInt(1000),
			CallTimeout:         2 * time.Second,
			CompensationTimeout: 2 * time.Second,
			TreasuryAddress:     treasury,
			SMSSender:           "PESA",
			Vaults:              []config.VaultConfig{{ID: "usdy", Name: "USD Yield", Address: vault}},
		},
		zap.NewNop(),
	)
	return e
}

func (e *env) fund(t *testing.T, phone string, balance string) *domain.Account {
	t.Helper()
	acct, err := e.svc.EnsureAccount(context.Background(), phone)
	require.NoError(t, err)
	e.custody.SetBalance(acct.CustodyAddress, decimal.RequireFromString(balance))
	return acct
}

func (e *env) balance(t *testing.T, acct *domain.Account) string {
	t.Helper()
	return e.custody.Balance(acct.CustodyAddress).String()
}

func (e *env) stored(t *testing.T, id string) *domain.Transaction {
	t.Helper()
	tx, err := e.ledger.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tx
}

var rejected = fmt.Errorf("%w: rejected by provider", domain.ErrExternalFailure)

func TestEnsureAccountIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	a1, err := e.svc.EnsureAccount(ctx, alice)
	require.NoError(t, err)
	a2, err := e.svc.EnsureAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, a1.CustodyAddress, a2.CustodyAddress)
	assert.Equal(t, 1, e.custody.CallsTo("create_wallet"))
}

func TestTransferScenario(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	b := e.fund(t, bob, "0")

	tx, err := e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(40)})
	require.NoError(t, err)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusCompleted, got.Status)
	assert.NotEmpty(t, got.Ref())
	assert.Equal(t, []string{"fee", "transfer"}, got.Metadata.CompletedStages)

	assert.Equal(t, "59.9", e.balance(t, a))
	assert.Equal(t, "40", e.balance(t, b))
	assert.Equal(t, "0.1", e.custody.Balance(treasury).String())

	cached, err := e.accounts.GetByPhone(ctx, alice)
	require.NoError(t, err)
	assert.True(t, cached.CachedBalance.Equal(decimal.RequireFromString("59.9")))

	received, err := e.svc.History(ctx, bob, 5)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, domain.TxTypeReceive, received[0].Type)
	assert.Equal(t, domain.TxStatusCompleted, received[0].Status)
	assert.True(t, received[0].Amount.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, alice, received[0].Metadata.Sender)

	require.Len(t, e.sms.To(bob), 1)
	assert.Contains(t, e.sms.To(bob)[0].Body, "You received 40.00 USD")
}

func TestTransferRejectsInsufficientBalanceBeforeAnyMutation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "40")
	e.fund(t, bob, "0")

	tx, err := e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(40)})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.TxStatusFailed, e.stored(t, tx.ID).Status)
	assert.Zero(t, e.custody.CallsTo("transfer"))
	assert.Equal(t, "40", e.balance(t, a))
}

func TestTransferValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")

	_, err := e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)

	_, err = e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: alice, Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, domain.ErrSelfTransfer)

	_, err = e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.RequireFromString("0.5")})
	assert.ErrorIs(t, err, domain.ErrBelowMinimum)

	_, err = e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(5000)})
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)

	assert.Empty(t, e.ledger.All())
}

func TestTransferRefundsFeeWhenTransferRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.fund(t, bob, "0")
	e.custody.FailFunc = func(op, ref string) error {
		if op == "transfer" && strings.HasSuffix(ref, ":transfer") {
			return rejected
		}
		return nil
	}

	tx, err := e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(40)})
	assert.ErrorIs(t, err, domain.ErrExternalFailure)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.False(t, got.NeedsReconciliation)
	assert.Equal(t, "100", e.balance(t, a))
	assert.Equal(t, "0", e.custody.Balance(treasury).String())
}

func TestConcurrentTransfersCannotOverspend(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.fund(t, bob, "0")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Transfer(ctx, TransferRequest{Phone: alice, Recipient: bob, Amount: decimal.NewFromInt(60)})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, "39.9", e.balance(t, a))
}

func TestWithdrawCompensatesBurnWhenPayoutRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.mpesa.DisburseErr = rejected

	tx, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	assert.ErrorIs(t, err, domain.ErrExternalFailure)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.False(t, got.NeedsReconciliation)
	require.NotNil(t, got.Metadata.BurnedAmount)
	require.NotNil(t, got.Metadata.MintedAmount)
	assert.Equal(t, "50", got.Metadata.BurnedAmount.String())
	assert.Equal(t, "50", got.Metadata.MintedAmount.String())
	assert.Equal(t, 1, e.custody.CallsTo("mint"))
	assert.Equal(t, "100", e.balance(t, a))

	msgs := e.sms.To(alice)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Body, "returned to your wallet")
}

func TestWithdrawPayoutTimeoutStaysPending(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.mpesa.DisburseErr = context.DeadlineExceeded

	tx, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	assert.ErrorIs(t, err, domain.ErrReconciliationPending)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusPending, got.Status)
	assert.True(t, got.NeedsReconciliation)
	assert.Zero(t, e.custody.CallsTo("mint"))
	assert.Equal(t, "50", e.balance(t, a))

	_, err = e.svc.Cancel(ctx, tx.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestWithdrawRecordsBurnBeforePayout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")

	var atPayout *domain.Transaction
	e.mpesa.OnInitiate = func(req provider.Request) {
		atPayout = e.stored(t, req.Reference)
	}

	_, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	require.NotNil(t, atPayout)
	assert.True(t, atPayout.Metadata.StageDone("burn"))

	// a failed payout settled from the row as it stood mid-saga
	changed, err := e.svc.Settle(ctx, atPayout, &domain.ProviderEvent{
		EventType:   domain.EventDisbursementFailed,
		Description: "invalid account",
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "100", e.balance(t, a))
	assert.Equal(t, domain.TxStatusFailed, e.stored(t, atPayout.ID).Status)
}

func TestWithdrawBurnNotRecordedIsUndone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.ledger.SetFailure("update_metadata", errors.New("connection reset"))

	tx, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	assert.ErrorContains(t, err, "record burn")

	assert.Empty(t, e.mpesa.Requests)
	assert.Equal(t, "100", e.balance(t, a))
	assert.Equal(t, domain.TxStatusFailed, e.stored(t, tx.ID).Status)
}

func TestFailedPayoutRemintsRecordedBurnWithoutAmount(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "80")

	tx := &domain.Transaction{
		ID:          "TX_BURNED",
		PhoneNumber: alice,
		Type:        domain.TxTypeWithdrawal,
		Amount:      decimal.NewFromInt(20),
		Currency:    domain.BaseCurrency,
		Status:      domain.TxStatusPending,
		Provider:    "mpesa",
		Metadata:    domain.TransactionMetadata{CompletedStages: []string{"burn"}},
	}
	require.NoError(t, e.ledger.Create(ctx, tx))

	changed, err := e.svc.Settle(ctx, tx, &domain.ProviderEvent{EventType: domain.EventDisbursementFailed})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "100", e.balance(t, a))

	got := e.stored(t, tx.ID)
	require.NotNil(t, got.Metadata.MintedAmount)
	assert.Equal(t, "20", got.Metadata.MintedAmount.String())
	assert.True(t, got.Metadata.StageDone("remint"))
}

func TestWithdrawFailedCompensationIsFlagged(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")
	e.mpesa.DisburseErr = rejected
	e.custody.SetFailure("mint", errors.New("custody unavailable"))

	tx, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	assert.Error(t, err)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.True(t, got.NeedsReconciliation)
	assert.Contains(t, got.Metadata.FailureReason, "compensate burn")
}

func TestWithdrawStartsPayout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")

	tx, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusPending, got.Status)
	assert.Equal(t, "DIS-"+tx.ID, got.Ref())
	assert.Equal(t, "50", e.balance(t, a))

	require.Len(t, e.mpesa.Requests, 1)
	assert.Equal(t, "KES", e.mpesa.Requests[0].Currency)
	assert.True(t, e.mpesa.Requests[0].Amount.GreaterThan(decimal.NewFromInt(6000)))
}

func TestDepositStaysPendingUntilProviderConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "0")

	tx, err := e.svc.Deposit(ctx, DepositRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	got := e.stored(t, tx.ID)
	assert.Equal(t, domain.TxStatusPending, got.Status)
	assert.Equal(t, "KES", got.Currency)
	assert.Equal(t, "COL-"+tx.ID, got.Ref())
	require.NotNil(t, got.Metadata.SettlementAmount)
	assert.Equal(t, "7.7", got.Metadata.SettlementAmount.String())
	assert.Zero(t, e.custody.CallsTo("mint"))

	_, err = e.svc.Deposit(ctx, DepositRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, domain.ErrBelowMinimum)

	_, err = e.svc.Deposit(ctx, DepositRequest{Phone: alice, Provider: "airtel", Amount: decimal.NewFromInt(500)})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestInvest(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")

	tx, err := e.svc.Invest(ctx, InvestRequest{Phone: alice, Vault: "usdy", Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, e.stored(t, tx.ID).Status)
	assert.Equal(t, "70", e.balance(t, a))
	assert.Equal(t, "30", e.custody.Balance(vault).String())

	_, err = e.svc.Invest(ctx, InvestRequest{Phone: alice, Vault: "nope", Amount: decimal.NewFromInt(30)})
	assert.ErrorIs(t, err, domain.ErrVaultNotFound)
}

func TestRetryCreatesFreshAttempt(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")
	e.mpesa.DisburseErr = rejected

	failed, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	require.Error(t, err)

	e.mpesa.DisburseErr = nil
	retried, err := e.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, failed.ID, retried.Metadata.RetryOf)
	assert.Equal(t, 1, retried.Metadata.RetryCount)

	assert.Equal(t, domain.TxStatusFailed, e.stored(t, failed.ID).Status)

	_, err = e.svc.Retry(ctx, retried.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetryLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")

	exhausted := &domain.Transaction{
		ID:          "TX_EXHAUSTED",
		PhoneNumber: alice,
		Type:        domain.TxTypeInvestment,
		Amount:      decimal.NewFromInt(10),
		Currency:    domain.BaseCurrency,
		Status:      domain.TxStatusFailed,
		Metadata:    domain.TransactionMetadata{Vault: "usdy", RetryCount: domain.MaxRetries},
	}
	require.NoError(t, e.ledger.Create(ctx, exhausted))

	_, err := e.svc.Retry(ctx, exhausted.ID)
	assert.ErrorIs(t, err, domain.ErrRetryLimit)
}

func TestRetryChainEndsAtLimit(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	a := e.fund(t, alice, "100")
	e.mpesa.DisburseErr = rejected

	first, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	require.Error(t, err)

	second, err := e.svc.Retry(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrExternalFailure)
	require.NotNil(t, second)
	assert.Equal(t, domain.TxStatusFailed, e.stored(t, second.ID).Status)

	_, err = e.svc.Retry(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, second.ID, e.stored(t, first.ID).Metadata.RetriedBy)

	cur := second
	for cur.Metadata.RetryCount < domain.MaxRetries {
		next, err := e.svc.Retry(ctx, cur.ID)
		assert.ErrorIs(t, err, domain.ErrExternalFailure)
		require.NotNil(t, next)
		assert.Equal(t, cur.ID, next.Metadata.RetryOf)
		assert.Equal(t, cur.Metadata.RetryCount+1, next.Metadata.RetryCount)
		cur = next
	}

	_, err = e.svc.Retry(ctx, cur.ID)
	assert.ErrorIs(t, err, domain.ErrRetryLimit)
	assert.Len(t, e.ledger.All(), 1+domain.MaxRetries)
	assert.Equal(t, "100", e.balance(t, a))
}

func TestRetryClaimReleasedWhenAttemptNeverStarts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")
	e.mpesa.DisburseErr = rejected

	failed, err := e.svc.Withdraw(ctx, WithdrawRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(50)})
	require.Error(t, err)

	e.mpesa.Min = decimal.NewFromInt(1_000_000)
	_, err = e.svc.Retry(ctx, failed.ID)
	assert.ErrorIs(t, err, domain.ErrBelowMinimum)
	assert.Empty(t, e.stored(t, failed.ID).Metadata.RetriedBy)
	assert.Len(t, e.ledger.All(), 1)

	e.mpesa.Min = decimal.NewFromInt(10)
	e.mpesa.DisburseErr = nil
	retried, err := e.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, retried.ID, e.stored(t, failed.ID).Metadata.RetriedBy)
}

func TestCancelOnlyWhilePending(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "100")

	tx, err := e.svc.Deposit(ctx, DepositRequest{Phone: alice, Provider: "mpesa", Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	cancelled, err := e.svc.Cancel(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCancelled, cancelled.Status)

	_, err = e.svc.Cancel(ctx, tx.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	invested, err := e.svc.Invest(ctx, InvestRequest{Phone: alice, Vault: "usdy", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, invested.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBalanceRefreshesCache(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, alice, "12.5")

	bal, err := e.svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "12.5", bal.String())

	acct, err := e.accounts.GetByPhone(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acct.CachedBalance.Equal(bal))
}

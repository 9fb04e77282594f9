package menu

import (
	"context"
	"regexp"
	"testing"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/internal/fx"
	"ussd-service/internal/provider"
	"ussd-service/internal/rate"
	"ussd-service/internal/repository"
	"ussd-service/internal/testutil"
	"ussd-service/internal/usecase/auth"
	"ussd-service/internal/usecase/transaction"
	"ussd-service/pkg/cache"
	"ussd-service/pkg/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	alice = "+254712345678"
	bob   = "+254798765432"
)

var otpCode = regexp.MustCompile(`\b\d{6}\b`)

type fixture struct {
	m       *Machine
	gate    *auth.Service
	txs     *transaction.Service
	ledger  *testutil.Ledger
	custody *testutil.Custody
	sms     *testutil.SMS
	wallet  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client)

	f := &fixture{
		ledger:  testutil.NewLedger(),
		custody: testutil.NewCustody(),
		sms:     &testutil.SMS{},
	}
	accounts := testutil.NewAccounts()

	authCfg := config.AuthConfig{
		OTPSecret:      "test-secret",
		OTPTTL:         5 * time.Minute,
		OTPMaxAttempts: 3,
		OTPIssueLimit:  10,
		OTPIssueWindow: 15 * time.Minute,
		AuthSessionTTL: time.Hour,
		RecentAuthTTL:  10 * time.Minute,
	}
	f.gate = auth.NewService(
		accounts,
		repository.NewOTPRepository(c),
		repository.NewAuthSessionRepository(c),
		rate.NewLimiter(c, auth.OTPRateNamespace, authCfg.OTPIssueLimit, authCfg.OTPIssueWindow),
		f.sms,
		authCfg,
		"KE",
		zap.NewNop(),
	)

	f.txs = transaction.NewService(
		f.ledger,
		accounts,
		f.custody,
		provider.NewRegistry(testutil.NewProvider("mpesa", "KES", decimal.NewFromInt(10))),
		fx.NewConverter(map[string]decimal.Decimal{"KES/USD": decimal.RequireFromString("0.0077")}),
		lock.NewRedisLocker(client, lock.DefaultOptions(), zap.NewNop()),
		&testutil.Publisher{},
		f.sms,
		transaction.Config{
			TransferFee:         decimal.RequireFromString("0.1"),
			MinAmount:           decimal.NewFromInt(1),
			MaxAmount:           decimal.NewFromInt(1000),
			CallTimeout:         2 * time.Second,
			CompensationTimeout: 2 * time.Second,
			Vaults:              []config.VaultConfig{{ID: "usdy", Name: "USD Yield", Address: "0xvault"}},
		},
		zap.NewNop(),
	)
	f.m = NewMachine(f.gate, f.txs, "Pesa Wallet", zap.NewNop())

	ctx := context.Background()
	acct, err := f.txs.EnsureAccount(ctx, alice)
	require.NoError(t, err)
	f.wallet = acct.CustodyAddress
	f.custody.SetBalance(acct.CustodyAddress, decimal.NewFromInt(100))
	_, err = f.txs.Balance(ctx, alice)
	require.NoError(t, err)
	_, err = f.txs.EnsureAccount(ctx, bob)
	require.NoError(t, err)
	return f
}

// session replays turns the way the gateway handler does.
type session struct {
	t     *testing.T
	f     *fixture
	state domain.State
	data  domain.SessionData
	last  Result
}

func (f *fixture) dial(t *testing.T) *session {
	s := &session{t: t, f: f, state: domain.StateMain}
	s.send("")
	return s
}

func (s *session) send(input string) Result {
	s.t.Helper()
	res := s.f.m.Transition(context.Background(), s.state, input, s.data, alice)
	s.last = res
	if res.Continue {
		s.state, s.data = res.Next, res.Data
	}
	return res
}

func (s *session) lastCode() string {
	s.t.Helper()
	msgs := s.f.sms.To(alice)
	require.NotEmpty(s.t, msgs)
	code := otpCode.FindString(msgs[len(msgs)-1].Body)
	require.NotEmpty(s.t, code)
	return code
}

// login gives alice a live auth session and a fresh OTP.
func (f *fixture) login(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.gate.IssueOTP(ctx, alice, "login", 0))
	msgs := f.sms.To(alice)
	require.NoError(t, f.gate.VerifyOTP(ctx, alice, otpCode.FindString(msgs[len(msgs)-1].Body), "login"))
	_, err := f.gate.CreateAuthSession(ctx, alice, domain.PurposeUSSD, 0)
	require.NoError(t, err)
}

func TestLastInput(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", LastInput(""))
	assert.Equal(t, "2", LastInput("2"))
	assert.Equal(t, "40", LastInput("2*0798765432*40"))
	assert.Equal(t, "", LastInput("2*"))
}

func TestFirstTurnShowsMainMenu(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)

	assert.True(t, s.last.Continue)
	assert.Equal(t, domain.StateMain, s.last.Next)
	assert.Contains(t, s.last.Text, "Welcome to Pesa Wallet")
	assert.Contains(t, s.last.Text, "2. Send money")
}

func TestInvalidInputRepromptsWithDataUnchanged(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)

	res := s.send("8")
	assert.True(t, res.Continue)
	assert.Equal(t, domain.StateMain, res.Next)
	assert.Contains(t, res.Text, "Invalid choice.")

	s.send("2")
	s.send("0798765432")
	before := s.data.Clone()

	res = s.send("abc")
	assert.Equal(t, domain.StateTransferAmount, res.Next)
	assert.Contains(t, res.Text, "Enter a valid amount.")
	assert.Equal(t, before, res.Data)
}

func TestExitEndsSession(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)
	s.send("2")

	res := s.send("0")
	assert.False(t, res.Continue)
	assert.Equal(t, domain.StateEnd, res.Next)
	assert.Contains(t, res.Text, "Goodbye")
}

func TestBackTruncatesDraft(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)
	s.send("2")
	s.send("0798765432")
	s.send("40")
	require.Equal(t, domain.StateTransferConfirm, s.state)
	require.NotNil(t, s.data.Transfer.Amount)

	res := s.send("9")
	assert.Equal(t, domain.StateTransferAmount, res.Next)
	assert.Equal(t, bob, res.Data.Transfer.Recipient)
	assert.Nil(t, res.Data.Transfer.Amount)
	assert.Nil(t, res.Data.Transfer.Fee)

	res = s.send("9")
	assert.Equal(t, domain.StateTransferRecipient, res.Next)
	assert.Empty(t, res.Data.Transfer.Recipient)

	res = s.send("9")
	assert.Equal(t, domain.StateMain, res.Next)
	assert.Equal(t, domain.SessionData{}, res.Data)
}

func TestConfirmationIsIdempotentUntilAnswered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dial(t)
	s.send("2")
	s.send("0798765432")
	s.send("40")
	confirm := s.last.Text

	for _, in := range []string{"5", "yes", "11"} {
		res := s.send(in)
		assert.Equal(t, domain.StateTransferConfirm, res.Next)
		assert.Equal(t, confirm, res.Text)
	}
	assert.Empty(t, f.ledger.All())

	res := s.send("2")
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, "cancelled")
	assert.Empty(t, f.ledger.All())
}

func TestTransferWithOTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dial(t)

	s.send("2")
	res := s.send("0798765432")
	assert.Contains(t, res.Text, "Send to "+bob)

	res = s.send("40")
	assert.Contains(t, res.Text, "Total: 40.10 USD")

	res = s.send("1")
	require.True(t, res.Continue)
	assert.Equal(t, domain.StateOTPVerify, res.Next)
	require.NotNil(t, res.Data.Auth)
	assert.True(t, res.Data.Auth.NeedsSession)
	assert.Empty(t, f.ledger.All())

	res = s.send(s.lastCode())
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, "Sent 40.00 USD to "+bob)
	assert.Equal(t, "59.9", f.custody.Balance(f.wallet).String())

	uc, err := f.gate.Authorize(context.Background(), alice, domain.OpTransfer)
	require.NoError(t, err)
	assert.NotNil(t, uc.AuthSession)
}

func TestRecentAuthSkipsOTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	s := f.dial(t)

	s.send("5")
	s.send("1")
	s.send("30")
	res := s.send("1")
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, "Invested 30.00 USD in USD Yield")
}

func TestWrongCodeShowsAttemptsLeft(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dial(t)
	s.send("2")
	s.send("0798765432")
	s.send("40")
	s.send("1")
	code := s.lastCode()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	res := s.send(wrong)
	assert.True(t, res.Continue)
	assert.Equal(t, domain.StateOTPVerify, res.Next)
	assert.Contains(t, res.Text, "2 attempts left")

	res = s.send("12ab")
	assert.Contains(t, res.Text, "Enter the 6-digit code.")

	s.send(wrong)
	res = s.send(wrong)
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, "Too many wrong codes")
	assert.Empty(t, f.ledger.All())
}

func TestBalanceNeedsLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := f.dial(t)

	res := s.send("1")
	require.True(t, res.Continue)
	assert.Equal(t, domain.StateOTPVerify, res.Next)
	assert.Equal(t, domain.FlowNone, res.Data.Flow)

	res = s.send(s.lastCode())
	assert.False(t, res.Continue)
	assert.Equal(t, "Your balance is 100.00 USD.", res.Text)

	// the session now exists, so the next dial goes straight through
	res = f.dial(t).send("1")
	assert.False(t, res.Continue)
	assert.Equal(t, "Your balance is 100.00 USD.", res.Text)
}

func TestAmountCeiling(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)
	s.send("2")
	s.send("0798765432")

	res := s.send("100")
	assert.Equal(t, domain.StateTransferAmount, res.Next)
	assert.Contains(t, res.Text, "Insufficient balance. Available: 100.00 USD.")

	res = s.send("0.5")
	assert.Contains(t, res.Text, "Amount not allowed")

	res = s.send("1.234")
	assert.Contains(t, res.Text, "Enter a valid amount.")
}

func TestRecipientValidation(t *testing.T) {
	t.Parallel()
	s := newFixture(t).dial(t)
	s.send("2")

	res := s.send("12")
	assert.Contains(t, res.Text, "Invalid phone number.")

	res = s.send("0712345678")
	assert.Contains(t, res.Text, "yourself")

	res = s.send("0711111111")
	assert.Contains(t, res.Text, "not registered")
	assert.Equal(t, domain.StateTransferRecipient, res.Next)
}

func TestDepositFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	s := f.dial(t)

	res := s.send("3")
	assert.Contains(t, res.Text, "1. M-Pesa")

	s.send("1")
	res = s.send("5")
	assert.Contains(t, res.Text, "Minimum deposit is 10.00 KES.")

	res = s.send("1000")
	assert.Contains(t, res.Text, "You will receive 7.70 USD")

	res = s.send("1")
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, "Approve the M-Pesa prompt")

	all := f.ledger.All()
	require.Len(t, all, 1)
	assert.Equal(t, domain.TxStatusPending, all[0].Status)
}

func TestHistoryAndAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)

	res := f.dial(t).send("6")
	assert.False(t, res.Continue)
	assert.Equal(t, "You have no transactions yet.", res.Text)

	s := f.dial(t)
	s.send("7")
	res = s.send("1")
	assert.False(t, res.Continue)
	assert.Contains(t, res.Text, f.wallet)

	s = f.dial(t)
	s.send("7")
	res = s.send("2")
	assert.Contains(t, res.Text, "logged out")

	_, err := f.gate.Authorize(context.Background(), alice, domain.OpBalance)
	assert.ErrorIs(t, err, domain.ErrRequiresAuth)
}

func TestCorruptSessionRestartsAtMain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.m.Transition(context.Background(), domain.StateTransferConfirm, "1", domain.StartFlow(domain.FlowDeposit), alice)
	assert.True(t, res.Continue)
	assert.Equal(t, domain.StateMain, res.Next)
	assert.Empty(t, f.ledger.All())
}

func TestRemovedProviderEndsAmountScreen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	deposit := domain.StartFlow(domain.FlowDeposit)
	deposit.Deposit.Provider = "airtel"
	deposit.Deposit.Currency = "KES"
	res := f.m.Transition(ctx, domain.StateDepositAmount, "500", deposit, alice)
	assert.False(t, res.Continue)
	assert.Equal(t, domain.StateEnd, res.Next)
	assert.Equal(t, "This deposit option is no longer available.", res.Text)

	withdraw := domain.StartFlow(domain.FlowWithdraw)
	withdraw.Withdrawal.Provider = "airtel"
	res = f.m.Transition(ctx, domain.StateWithdrawAmount, "20", withdraw, alice)
	assert.False(t, res.Continue)
	assert.Equal(t, "This withdrawal option is no longer available.", res.Text)
	assert.Empty(t, f.ledger.All())
}

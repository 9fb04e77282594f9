// internal/menu/machine.go
package menu

import (
	"context"
	"strings"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/internal/provider"
	"ussd-service/internal/usecase/transaction"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gate is the slice of the authorization service the menu needs.
type Gate interface {
	ValidatePhoneNumber(raw string) (*domain.PhoneNumber, error)
	Authorize(ctx context.Context, phone string, op domain.Operation) (*domain.UserContext, error)
	IssueOTP(ctx context.Context, phone, purpose string, ttl time.Duration) error
	VerifyOTP(ctx context.Context, phone, code, purpose string) error
	CreateAuthSession(ctx context.Context, phone, purpose string, ttl time.Duration) (string, error)
	LogoutPhone(ctx context.Context, phone, purpose string) error
}

// Wallet is the slice of the money movement service the menu needs.
type Wallet interface {
	Account(ctx context.Context, phone string) (*domain.Account, error)
	Balance(ctx context.Context, phone string) (decimal.Decimal, error)
	History(ctx context.Context, phone string, limit int) ([]*domain.Transaction, error)
	Providers() []provider.SettlementProvider
	Provider(name string) (provider.SettlementProvider, error)
	Vaults() []config.VaultConfig
	Vault(id string) (config.VaultConfig, error)
	Fee() decimal.Decimal
	ValidateAmount(amount decimal.Decimal) error
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)

	Transfer(ctx context.Context, req transaction.TransferRequest) (*domain.Transaction, error)
	Deposit(ctx context.Context, req transaction.DepositRequest) (*domain.Transaction, error)
	Withdraw(ctx context.Context, req transaction.WithdrawRequest) (*domain.Transaction, error)
	Invest(ctx context.Context, req transaction.InvestRequest) (*domain.Transaction, error)
}

// Result is one turn's answer. Continue false means the session ends and
// Text is the closing message.
type Result struct {
	Text     string
	Continue bool
	Next     domain.State
	Data     domain.SessionData
}

// Machine runs one USSD turn at a time. It keeps no state of its own:
// everything needed to resume lives in the session data it is handed.
type Machine struct {
	gate    Gate
	wallet  Wallet
	appName string
	logger  *zap.Logger
}

func NewMachine(gate Gate, wallet Wallet, appName string, logger *zap.Logger) *Machine {
	return &Machine{gate: gate, wallet: wallet, appName: appName, logger: logger}
}

// step is a handler's verdict on one input.
type step struct {
	class InputClass
	data  domain.SessionData
	// closing text when the next state is terminal, a notice shown above
	// the prompt otherwise
	text string
}

func invalid(notice string) step {
	return step{class: InputInvalid, text: notice}
}

func failed(text string) step {
	return step{class: InputFailed, text: text}
}

// LastInput returns the newest answer in the gateway's cumulative text,
// e.g. "2*0712345678*40" gives "40".
func LastInput(text string) string {
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "*")
	return strings.TrimSpace(parts[len(parts)-1])
}

// Transition applies input to state. It never fails: anything unexpected
// re-prompts the current state or ends the session with a message.
func (m *Machine) Transition(ctx context.Context, state domain.State, input string, data domain.SessionData, phone string) Result {
	if !resumable(state, data) {
		m.logger.Warn("resetting unusable session state",
			zap.String("phone", phone),
			zap.String("state", string(state)))
		state, data, input = domain.StateMain, domain.SessionData{}, ""
	}

	st := m.classify(ctx, state, input, data.Clone(), phone)

	next, ok := lookup(state, st.class)
	if !ok {
		m.logger.Error("no transition for input class",
			zap.String("state", string(state)),
			zap.String("class", string(st.class)))
		next, st = state, invalid("")
	}

	switch st.class {
	case InputInvalid:
		st.data = data
	case InputBack:
		st.data = truncate(next, data)
	}

	if terminal(next) {
		text := st.text
		if text == "" {
			text = "Thank you for using " + m.appName + "."
		}
		return Result{Text: text, Continue: false, Next: domain.StateEnd}
	}

	return Result{
		Text:     m.prompt(next, st.data, st.text),
		Continue: true,
		Next:     next,
		Data:     st.data,
	}
}

func (m *Machine) classify(ctx context.Context, state domain.State, input string, data domain.SessionData, phone string) step {
	switch {
	case input == "":
		return invalid("")
	case input == exitKey:
		return step{class: InputExit, text: "Thank you for using " + m.appName + ". Goodbye."}
	case input == backKey && state != domain.StateMain:
		return step{class: InputBack}
	}

	switch state {
	case domain.StateMain:
		return m.mainMenu(ctx, input, phone)
	case domain.StateAccount:
		return m.accountMenu(ctx, input, phone)
	case domain.StateOTPVerify:
		return m.verifyOTP(ctx, input, data, phone)

	case domain.StateTransferRecipient:
		return m.transferRecipient(ctx, input, data, phone)
	case domain.StateTransferAmount:
		return m.transferAmount(ctx, input, data, phone)
	case domain.StateDepositProvider:
		return m.depositProvider(input, data)
	case domain.StateDepositAmount:
		return m.depositAmount(input, data)
	case domain.StateWithdrawProvider:
		return m.withdrawProvider(input, data)
	case domain.StateWithdrawAmount:
		return m.withdrawAmount(ctx, input, data, phone)
	case domain.StateInvestVault:
		return m.investVault(input, data)
	case domain.StateInvestAmount:
		return m.investAmount(ctx, input, data, phone)

	case domain.StateTransferConfirm:
		return m.confirmation(ctx, input, data, phone, domain.OpTransfer, state)
	case domain.StateDepositConfirm:
		return m.confirmation(ctx, input, data, phone, domain.OpDeposit, state)
	case domain.StateWithdrawConfirm:
		return m.confirmation(ctx, input, data, phone, domain.OpWithdraw, state)
	case domain.StateInvestConfirm:
		return m.confirmation(ctx, input, data, phone, domain.OpInvest, state)
	}
	return invalid("")
}

func (m *Machine) mainMenu(ctx context.Context, input, phone string) step {
	switch input {
	case "1":
		return m.readScreen(ctx, phone, domain.OpBalance, "1")
	case "2":
		return step{class: "2", data: domain.StartFlow(domain.FlowTransfer)}
	case "3":
		return step{class: "3", data: domain.StartFlow(domain.FlowDeposit)}
	case "4":
		return step{class: "4", data: domain.StartFlow(domain.FlowWithdraw)}
	case "5":
		return step{class: "5", data: domain.StartFlow(domain.FlowInvest)}
	case "6":
		return m.readScreen(ctx, phone, domain.OpHistory, "6")
	case "7":
		return step{class: "7"}
	}
	return invalid("Invalid choice.")
}

func (m *Machine) accountMenu(ctx context.Context, input, phone string) step {
	switch input {
	case "1":
		return m.readScreen(ctx, phone, domain.OpAccount, "1")
	case "2":
		if err := m.gate.LogoutPhone(ctx, phone, domain.PurposeUSSD); err != nil {
			m.logger.Error("ussd logout failed", zap.String("phone", phone), zap.Error(err))
			return failed("We could not log you out. Please try again later.")
		}
		return step{class: "2", text: "You have been logged out."}
	}
	return invalid("Invalid choice.")
}

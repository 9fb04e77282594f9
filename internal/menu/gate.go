// internal/menu/gate.go
package menu

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"ussd-service/internal/domain"
	"ussd-service/internal/usecase/auth"
	"ussd-service/internal/usecase/transaction"
	"ussd-service/pkg/lock"

	"go.uber.org/zap"
)

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

const historyLimit = 5

// readScreen shows a read-only screen to a caller with a live auth
// session, or starts a login OTP that shows it afterwards.
func (m *Machine) readScreen(ctx context.Context, phone string, op domain.Operation, class InputClass) step {
	_, err := m.gate.Authorize(ctx, phone, op)
	switch {
	case err == nil:
		return step{class: class, text: m.render(ctx, op, phone)}
	case errors.Is(err, domain.ErrRequiresAuth):
		return m.requestOTP(ctx, phone, domain.SessionData{}, domain.AuthDraft{
			Operation:    op,
			ReturnState:  domain.StateMain,
			NeedsSession: true,
		})
	}
	return m.gateFailed(phone, op, err)
}

// confirmation handles 1/2 on a confirm screen. Anything else redisplays
// the same screen, so repeating it never executes twice.
func (m *Machine) confirmation(ctx context.Context, input string, data domain.SessionData, phone string, op domain.Operation, state domain.State) step {
	switch input {
	case "1":
	case "2":
		return step{class: InputCancel, text: "Transaction cancelled."}
	default:
		return invalid("")
	}

	_, err := m.gate.Authorize(ctx, phone, op)
	switch {
	case err == nil:
		return step{class: InputConfirm, text: m.execute(ctx, op, data, phone)}
	case errors.Is(err, domain.ErrRequiresAuth):
		return m.requestOTP(ctx, phone, data, domain.AuthDraft{Operation: op, ReturnState: state, NeedsSession: true})
	case errors.Is(err, domain.ErrRequiresRecentAuth):
		return m.requestOTP(ctx, phone, data, domain.AuthDraft{Operation: op, ReturnState: state})
	}
	return m.gateFailed(phone, op, err)
}

func (m *Machine) gateFailed(phone string, op domain.Operation, err error) step {
	if errors.Is(err, domain.ErrForbidden) {
		return failed("Your account is not available. Please contact support.")
	}
	m.logger.Error("authorization failed",
		zap.String("phone", phone),
		zap.String("operation", string(op)),
		zap.Error(err))
	return failed("Service temporarily unavailable. Please try again later.")
}

func (m *Machine) requestOTP(ctx context.Context, phone string, data domain.SessionData, draft domain.AuthDraft) step {
	err := m.gate.IssueOTP(ctx, phone, string(draft.Operation), 0)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return failed("Too many code requests. Please try again later.")
	case err != nil:
		m.logger.Error("otp not issued", zap.String("phone", phone), zap.Error(err))
		return failed("We could not send your verification code. Please try again later.")
	}

	data.Auth = &draft
	return step{class: InputNeedsOTP, data: data}
}

func (m *Machine) verifyOTP(ctx context.Context, input string, data domain.SessionData, phone string) step {
	draft := data.Auth
	if draft == nil {
		return failed("Your session has expired. Please dial again.")
	}
	if !codePattern.MatchString(input) {
		return invalid("Enter the 6-digit code.")
	}

	err := m.gate.VerifyOTP(ctx, phone, input, string(draft.Operation))
	if err != nil {
		if left, ok := auth.AttemptsLeft(err); ok {
			return invalid(fmt.Sprintf("Wrong code. %d attempts left.", left))
		}
		switch {
		case errors.Is(err, domain.ErrTooManyAttempts):
			return failed("Too many wrong codes. Please try again later.")
		case errors.Is(err, domain.ErrOTPNotFound):
			return failed("Your code has expired. Please dial again.")
		}
		m.logger.Error("otp verification error", zap.String("phone", phone), zap.Error(err))
		return failed("Service temporarily unavailable. Please try again later.")
	}

	if draft.NeedsSession {
		if _, err := m.gate.CreateAuthSession(ctx, phone, domain.PurposeUSSD, 0); err != nil {
			m.logger.Error("auth session not created", zap.String("phone", phone), zap.Error(err))
			return failed("Service temporarily unavailable. Please try again later.")
		}
	}

	op := draft.Operation
	data.Auth = nil
	switch op {
	case domain.OpBalance, domain.OpHistory, domain.OpAccount, domain.OpLogin:
		return step{class: InputValid, text: m.render(ctx, op, phone)}
	}
	return step{class: InputValid, text: m.execute(ctx, op, data, phone)}
}

// render produces a read-only closing screen.
func (m *Machine) render(ctx context.Context, op domain.Operation, phone string) string {
	switch op {
	case domain.OpBalance:
		bal, err := m.wallet.Balance(ctx, phone)
		if err == nil {
			return fmt.Sprintf("Your balance is %s.", money(bal, domain.BaseCurrency))
		}
		m.logger.Warn("live balance unavailable", zap.String("phone", phone), zap.Error(err))
		acct, err := m.wallet.Account(ctx, phone)
		if err != nil {
			return "Balance unavailable. Please try again later."
		}
		return fmt.Sprintf("Your last known balance is %s.", money(acct.CachedBalance, domain.BaseCurrency))

	case domain.OpHistory:
		txs, err := m.wallet.History(ctx, phone, historyLimit)
		if err != nil {
			m.logger.Error("history unavailable", zap.String("phone", phone), zap.Error(err))
			return "Transactions unavailable. Please try again later."
		}
		if len(txs) == 0 {
			return "You have no transactions yet."
		}
		lines := make([]string, 0, len(txs)+1)
		lines = append(lines, "Recent transactions:")
		for _, tx := range txs {
			lines = append(lines, tx.Summary())
		}
		return strings.Join(lines, "\n")

	case domain.OpAccount:
		acct, err := m.wallet.Account(ctx, phone)
		if err != nil {
			return "Account unavailable. Please try again later."
		}
		return fmt.Sprintf("Phone: %s\nWallet: %s", acct.PhoneNumber, acct.CustodyAddress)
	}
	return "You are now logged in."
}

// execute runs a confirmed draft and renders the outcome.
func (m *Machine) execute(ctx context.Context, op domain.Operation, data domain.SessionData, phone string) string {
	const incomplete = "Your session has expired. Please dial again."

	switch op {
	case domain.OpTransfer:
		d := data.Transfer
		if d == nil || d.Amount == nil {
			return incomplete
		}
		tx, err := m.wallet.Transfer(ctx, transaction.TransferRequest{Phone: phone, Recipient: d.Recipient, Amount: *d.Amount})
		if err != nil {
			return m.failureText(tx, err)
		}
		return fmt.Sprintf("Sent %s to %s. Ref %s.", money(tx.Amount, tx.Currency), d.Recipient, tx.ID)

	case domain.OpDeposit:
		d := data.Deposit
		if d == nil || d.Amount == nil {
			return incomplete
		}
		tx, err := m.wallet.Deposit(ctx, transaction.DepositRequest{Phone: phone, Provider: d.Provider, Amount: *d.Amount})
		if err != nil {
			return m.failureText(tx, err)
		}
		return fmt.Sprintf("Approve the %s prompt on your phone to deposit %s. Ref %s.",
			displayName(d.Provider), money(tx.Amount, tx.Currency), tx.ID)

	case domain.OpWithdraw:
		d := data.Withdrawal
		if d == nil || d.Amount == nil {
			return incomplete
		}
		tx, err := m.wallet.Withdraw(ctx, transaction.WithdrawRequest{Phone: phone, Provider: d.Provider, Amount: *d.Amount})
		if err != nil {
			return m.failureText(tx, err)
		}
		return fmt.Sprintf("Withdrawal of %s is being processed. You will receive an SMS when it arrives. Ref %s.",
			money(tx.Amount, tx.Currency), tx.ID)

	case domain.OpInvest:
		d := data.Investment
		if d == nil || d.Amount == nil {
			return incomplete
		}
		tx, err := m.wallet.Invest(ctx, transaction.InvestRequest{Phone: phone, Vault: d.Vault, Amount: *d.Amount})
		if err != nil {
			return m.failureText(tx, err)
		}
		name := d.Vault
		if v, err := m.wallet.Vault(d.Vault); err == nil {
			name = v.Name
		}
		return fmt.Sprintf("Invested %s in %s. Ref %s.", money(tx.Amount, tx.Currency), name, tx.ID)
	}
	return incomplete
}

func (m *Machine) failureText(tx *domain.Transaction, err error) string {
	var msg string
	switch {
	case errors.Is(err, domain.ErrReconciliationPending):
		msg = "Your request is being processed. You will receive an SMS once it completes."
	case errors.Is(err, domain.ErrInsufficientBalance):
		msg = "Transaction failed: insufficient balance."
	case errors.Is(err, domain.ErrBelowMinimum), errors.Is(err, domain.ErrLimitExceeded):
		msg = "Transaction failed: amount is outside the allowed limits."
	case errors.Is(err, domain.ErrRecipientNotFound):
		msg = "Transaction failed: recipient is not registered."
	case errors.Is(err, lock.ErrLockBusy):
		msg = "Another transaction is in progress. Please try again shortly."
	default:
		m.logger.Warn("ussd transaction failed", zap.Error(err))
		msg = "Transaction failed. Please try again later."
	}
	if tx != nil {
		msg += " Ref " + tx.ID + "."
	}
	return msg
}

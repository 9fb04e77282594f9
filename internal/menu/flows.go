// internal/menu/flows.go
package menu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ussd-service/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var providerNames = map[string]string{
	"mpesa": "M-Pesa",
}

func displayName(provider string) string {
	if name, ok := providerNames[provider]; ok {
		return name
	}
	return cases.Title(language.English).String(provider)
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + currency
}

// parseAmount accepts positive amounts with at most two decimals.
func parseAmount(input string) (decimal.Decimal, bool) {
	amt, err := decimal.NewFromString(input)
	if err != nil || !amt.IsPositive() || !amt.Round(2).Equal(amt) {
		return decimal.Zero, false
	}
	return amt, true
}

// choice maps a 1-based menu selection onto a list of n items.
func choice(input string, n int) (int, bool) {
	i, err := strconv.Atoi(input)
	if err != nil || i < 1 || i > n {
		return 0, false
	}
	return i - 1, true
}

// covers reports whether the caller can afford need. The cached balance
// answers the common case; a shortfall is confirmed against custody before
// the caller is told. The orchestrator checks again under the account lock.
func (m *Machine) covers(ctx context.Context, phone string, need decimal.Decimal) (decimal.Decimal, bool) {
	acct, err := m.wallet.Account(ctx, phone)
	if err == nil && acct.CachedBalance.GreaterThanOrEqual(need) {
		return acct.CachedBalance, true
	}
	bal, err := m.wallet.Balance(ctx, phone)
	if err != nil {
		m.logger.Warn("balance check skipped", zap.String("phone", phone), zap.Error(err))
		return decimal.Zero, true
	}
	return bal, bal.GreaterThanOrEqual(need)
}

func limitNotice(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{domain.ErrBelowMinimum, domain.ErrLimitExceeded} {
		msg = strings.TrimPrefix(msg, sentinel.Error()+": ")
	}
	return "Amount not allowed: " + msg + "."
}

func (m *Machine) transferRecipient(ctx context.Context, input string, data domain.SessionData, phone string) step {
	p, err := m.gate.ValidatePhoneNumber(input)
	if err != nil {
		return invalid("Invalid phone number.")
	}
	if p.Normalized == phone {
		return invalid("You cannot send money to yourself.")
	}
	if _, err := m.wallet.Account(ctx, p.Normalized); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return invalid("That number is not registered.")
		}
		m.logger.Error("recipient lookup failed", zap.String("recipient", p.Normalized), zap.Error(err))
		return invalid("Service busy. Please try again.")
	}

	data.Transfer.Recipient = p.Normalized
	return step{class: InputValid, data: data}
}

func (m *Machine) transferAmount(ctx context.Context, input string, data domain.SessionData, phone string) step {
	amt, ok := parseAmount(input)
	if !ok {
		return invalid("Enter a valid amount.")
	}
	if err := m.wallet.ValidateAmount(amt); err != nil {
		return invalid(limitNotice(err))
	}
	fee := m.wallet.Fee()
	if bal, ok := m.covers(ctx, phone, amt.Add(fee)); !ok {
		return invalid(fmt.Sprintf("Insufficient balance. Available: %s.", money(bal, domain.BaseCurrency)))
	}

	data.Transfer.Amount = domain.DecimalPtr(amt)
	data.Transfer.Fee = domain.DecimalPtr(fee)
	return step{class: InputValid, data: data}
}

func (m *Machine) depositProvider(input string, data domain.SessionData) step {
	providers := m.wallet.Providers()
	i, ok := choice(input, len(providers))
	if !ok {
		return invalid("Invalid choice.")
	}
	data.Deposit.Provider = providers[i].Name()
	data.Deposit.Currency = providers[i].Currency()
	return step{class: InputValid, data: data}
}

func (m *Machine) depositAmount(input string, data domain.SessionData) step {
	p, err := m.wallet.Provider(data.Deposit.Provider)
	if err != nil {
		return failed("This deposit option is no longer available.")
	}
	amt, ok := parseAmount(input)
	if !ok {
		return invalid("Enter a valid amount.")
	}
	if amt.LessThan(p.MinAmount()) {
		return invalid(fmt.Sprintf("Minimum deposit is %s.", money(p.MinAmount(), p.Currency())))
	}
	settled, err := m.wallet.Convert(amt, p.Currency(), domain.BaseCurrency)
	if err != nil {
		return failed("Deposits in " + p.Currency() + " are not available right now.")
	}
	if err := m.wallet.ValidateAmount(settled); errors.Is(err, domain.ErrLimitExceeded) {
		return invalid(limitNotice(err))
	}

	data.Deposit.Amount = domain.DecimalPtr(amt)
	return step{class: InputValid, data: data}
}

func (m *Machine) withdrawProvider(input string, data domain.SessionData) step {
	providers := m.wallet.Providers()
	i, ok := choice(input, len(providers))
	if !ok {
		return invalid("Invalid choice.")
	}
	data.Withdrawal.Provider = providers[i].Name()
	return step{class: InputValid, data: data}
}

func (m *Machine) withdrawAmount(ctx context.Context, input string, data domain.SessionData, phone string) step {
	p, err := m.wallet.Provider(data.Withdrawal.Provider)
	if err != nil {
		return failed("This withdrawal option is no longer available.")
	}
	amt, ok := parseAmount(input)
	if !ok {
		return invalid("Enter a valid amount.")
	}
	if err := m.wallet.ValidateAmount(amt); err != nil {
		return invalid(limitNotice(err))
	}
	payout, err := m.wallet.Convert(amt, domain.BaseCurrency, p.Currency())
	if err != nil {
		return failed("Withdrawals to " + p.Currency() + " are not available right now.")
	}
	if payout.LessThan(p.MinAmount()) {
		return invalid(fmt.Sprintf("Minimum withdrawal is %s.", money(p.MinAmount(), p.Currency())))
	}
	if bal, ok := m.covers(ctx, phone, amt); !ok {
		return invalid(fmt.Sprintf("Insufficient balance. Available: %s.", money(bal, domain.BaseCurrency)))
	}

	data.Withdrawal.Amount = domain.DecimalPtr(amt)
	return step{class: InputValid, data: data}
}

func (m *Machine) investVault(input string, data domain.SessionData) step {
	vaults := m.wallet.Vaults()
	i, ok := choice(input, len(vaults))
	if !ok {
		return invalid("Invalid choice.")
	}
	data.Investment.Vault = vaults[i].ID
	return step{class: InputValid, data: data}
}

func (m *Machine) investAmount(ctx context.Context, input string, data domain.SessionData, phone string) step {
	amt, ok := parseAmount(input)
	if !ok {
		return invalid("Enter a valid amount.")
	}
	if err := m.wallet.ValidateAmount(amt); err != nil {
		return invalid(limitNotice(err))
	}
	if bal, ok := m.covers(ctx, phone, amt); !ok {
		return invalid(fmt.Sprintf("Insufficient balance. Available: %s.", money(bal, domain.BaseCurrency)))
	}

	data.Investment.Amount = domain.DecimalPtr(amt)
	return step{class: InputValid, data: data}
}

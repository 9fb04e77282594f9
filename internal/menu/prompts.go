// internal/menu/prompts.go
package menu

import (
	"fmt"
	"strings"

	"ussd-service/internal/domain"
)

const navFooter = "9. Back\n0. Exit"

// prompt renders the screen for state. notice, when set, is shown first.
func (m *Machine) prompt(state domain.State, data domain.SessionData, notice string) string {
	var lines []string
	if notice != "" {
		lines = append(lines, notice)
	}

	switch state {
	case domain.StateMain:
		lines = append(lines,
			"Welcome to "+m.appName,
			"1. Check balance",
			"2. Send money",
			"3. Deposit",
			"4. Withdraw",
			"5. Invest",
			"6. Transactions",
			"7. My account",
			"0. Exit")
		return strings.Join(lines, "\n")

	case domain.StateTransferRecipient:
		lines = append(lines, "Enter recipient phone number")

	case domain.StateTransferAmount:
		lines = append(lines, "Send to "+data.Transfer.Recipient, "Enter amount ("+domain.BaseCurrency+")")

	case domain.StateTransferConfirm:
		t := data.Transfer
		total := t.Amount.Add(*t.Fee)
		lines = append(lines,
			fmt.Sprintf("Send %s to %s", money(*t.Amount, domain.BaseCurrency), t.Recipient),
			"Fee: "+money(*t.Fee, domain.BaseCurrency),
			"Total: "+money(total, domain.BaseCurrency),
			"1. Confirm",
			"2. Cancel")

	case domain.StateDepositProvider:
		lines = append(lines, "Deposit from")
		lines = append(lines, m.providerList()...)

	case domain.StateDepositAmount:
		lines = append(lines, fmt.Sprintf("Enter amount to deposit (%s)", data.Deposit.Currency))

	case domain.StateDepositConfirm:
		d := data.Deposit
		lines = append(lines, fmt.Sprintf("Deposit %s via %s", money(*d.Amount, d.Currency), displayName(d.Provider)))
		if credit, err := m.wallet.Convert(*d.Amount, d.Currency, domain.BaseCurrency); err == nil {
			lines = append(lines, "You will receive "+money(credit, domain.BaseCurrency))
		}
		lines = append(lines, "1. Confirm", "2. Cancel")

	case domain.StateWithdrawProvider:
		lines = append(lines, "Withdraw to")
		lines = append(lines, m.providerList()...)

	case domain.StateWithdrawAmount:
		lines = append(lines, "Enter amount to withdraw ("+domain.BaseCurrency+")")

	case domain.StateWithdrawConfirm:
		w := data.Withdrawal
		lines = append(lines, fmt.Sprintf("Withdraw %s to %s", money(*w.Amount, domain.BaseCurrency), displayName(w.Provider)))
		if p, err := m.wallet.Provider(w.Provider); err == nil {
			if payout, err := m.wallet.Convert(*w.Amount, domain.BaseCurrency, p.Currency()); err == nil {
				lines = append(lines, "You will receive "+money(payout, p.Currency()))
			}
		}
		lines = append(lines, "1. Confirm", "2. Cancel")

	case domain.StateInvestVault:
		lines = append(lines, "Choose a vault")
		for i, v := range m.wallet.Vaults() {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, v.Name))
		}

	case domain.StateInvestAmount:
		lines = append(lines, "Enter amount to invest ("+domain.BaseCurrency+")")

	case domain.StateInvestConfirm:
		inv := data.Investment
		name := inv.Vault
		if v, err := m.wallet.Vault(inv.Vault); err == nil {
			name = v.Name
		}
		lines = append(lines, fmt.Sprintf("Invest %s in %s", money(*inv.Amount, domain.BaseCurrency), name), "1. Confirm", "2. Cancel")

	case domain.StateOTPVerify:
		lines = append(lines, "Enter the 6-digit code sent to you by SMS")

	case domain.StateAccount:
		lines = append(lines, "My account", "1. Show wallet address", "2. Log out")
	}

	lines = append(lines, navFooter)
	return strings.Join(lines, "\n")
}

func (m *Machine) providerList() []string {
	providers := m.wallet.Providers()
	if len(providers) == 0 {
		return []string{"No options available"}
	}
	out := make([]string, 0, len(providers))
	for i, p := range providers {
		out = append(out, fmt.Sprintf("%d. %s", i+1, displayName(p.Name())))
	}
	return out
}

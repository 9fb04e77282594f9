// internal/menu/table.go
package menu

import "ussd-service/internal/domain"

// InputClass is what a handler made of the caller's input. The pair
// (State, InputClass) picks the next state from transitions.
type InputClass string

const (
	InputInvalid  InputClass = "invalid"
	InputBack     InputClass = "back"
	InputExit     InputClass = "exit"
	InputValid    InputClass = "valid"
	InputConfirm  InputClass = "confirm"
	InputCancel   InputClass = "cancel"
	InputNeedsOTP InputClass = "needs_otp"
	InputFailed   InputClass = "failed"
)

const (
	backKey = "9"
	exitKey = "0"
)

// screen builds the transitions every state shares: back to parent, exit,
// a re-prompt of itself on anything it does not understand, and the end
// screen when a lookup behind it fails.
func screen(self, parent domain.State, own map[InputClass]domain.State) map[InputClass]domain.State {
	t := map[InputClass]domain.State{
		InputExit:    domain.StateEnd,
		InputInvalid: self,
		InputFailed:  domain.StateEnd,
	}
	if parent != "" {
		t[InputBack] = parent
	}
	for class, next := range own {
		t[class] = next
	}
	return t
}

// confirmScreen is the shape of every confirmation step.
func confirmScreen(self, parent domain.State) map[InputClass]domain.State {
	return screen(self, parent, map[InputClass]domain.State{
		InputConfirm:  domain.StateEnd,
		InputCancel:   domain.StateEnd,
		InputNeedsOTP: domain.StateOTPVerify,
	})
}

var transitions = map[domain.State]map[InputClass]domain.State{
	domain.StateMain: screen(domain.StateMain, "", map[InputClass]domain.State{
		"1":           domain.StateBalance,
		"2":           domain.StateTransferRecipient,
		"3":           domain.StateDepositProvider,
		"4":           domain.StateWithdrawProvider,
		"5":           domain.StateInvestVault,
		"6":           domain.StateHistory,
		"7":           domain.StateAccount,
		InputNeedsOTP: domain.StateOTPVerify,
	}),

	domain.StateTransferRecipient: screen(domain.StateTransferRecipient, domain.StateMain, map[InputClass]domain.State{
		InputValid: domain.StateTransferAmount,
	}),
	domain.StateTransferAmount: screen(domain.StateTransferAmount, domain.StateTransferRecipient, map[InputClass]domain.State{
		InputValid: domain.StateTransferConfirm,
	}),
	domain.StateTransferConfirm: confirmScreen(domain.StateTransferConfirm, domain.StateTransferAmount),

	domain.StateDepositProvider: screen(domain.StateDepositProvider, domain.StateMain, map[InputClass]domain.State{
		InputValid: domain.StateDepositAmount,
	}),
	domain.StateDepositAmount: screen(domain.StateDepositAmount, domain.StateDepositProvider, map[InputClass]domain.State{
		InputValid: domain.StateDepositConfirm,
	}),
	domain.StateDepositConfirm: confirmScreen(domain.StateDepositConfirm, domain.StateDepositAmount),

	domain.StateWithdrawProvider: screen(domain.StateWithdrawProvider, domain.StateMain, map[InputClass]domain.State{
		InputValid: domain.StateWithdrawAmount,
	}),
	domain.StateWithdrawAmount: screen(domain.StateWithdrawAmount, domain.StateWithdrawProvider, map[InputClass]domain.State{
		InputValid: domain.StateWithdrawConfirm,
	}),
	domain.StateWithdrawConfirm: confirmScreen(domain.StateWithdrawConfirm, domain.StateWithdrawAmount),

	domain.StateInvestVault: screen(domain.StateInvestVault, domain.StateMain, map[InputClass]domain.State{
		InputValid: domain.StateInvestAmount,
	}),
	domain.StateInvestAmount: screen(domain.StateInvestAmount, domain.StateInvestVault, map[InputClass]domain.State{
		InputValid: domain.StateInvestConfirm,
	}),
	domain.StateInvestConfirm: confirmScreen(domain.StateInvestConfirm, domain.StateInvestAmount),

	// a correct code always finishes the pending operation
	domain.StateOTPVerify: screen(domain.StateOTPVerify, domain.StateMain, map[InputClass]domain.State{
		InputValid: domain.StateEnd,
	}),

	domain.StateAccount: screen(domain.StateAccount, domain.StateMain, map[InputClass]domain.State{
		"1":           domain.StateEnd,
		"2":           domain.StateEnd,
		InputNeedsOTP: domain.StateOTPVerify,
	}),
}

// Commits reports whether a turn at s can move money or spend a code.
// Such a turn must own the session before it runs.
func Commits(s domain.State) bool {
	switch s {
	case domain.StateTransferConfirm, domain.StateDepositConfirm,
		domain.StateWithdrawConfirm, domain.StateInvestConfirm,
		domain.StateOTPVerify:
		return true
	}
	return false
}

// terminal states end the conversation; they are never persisted.
func terminal(s domain.State) bool {
	switch s {
	case domain.StateEnd, domain.StateBalance, domain.StateHistory:
		return true
	}
	return false
}

// flowOf names the draft a state works on.
func flowOf(s domain.State) domain.Flow {
	switch s {
	case domain.StateTransferRecipient, domain.StateTransferAmount, domain.StateTransferConfirm:
		return domain.FlowTransfer
	case domain.StateDepositProvider, domain.StateDepositAmount, domain.StateDepositConfirm:
		return domain.FlowDeposit
	case domain.StateWithdrawProvider, domain.StateWithdrawAmount, domain.StateWithdrawConfirm:
		return domain.FlowWithdraw
	case domain.StateInvestVault, domain.StateInvestAmount, domain.StateInvestConfirm:
		return domain.FlowInvest
	}
	return domain.FlowNone
}

// resumable reports whether data holds everything the screen for state
// shows. Anything else is a corrupt or foreign session.
func resumable(s domain.State, d domain.SessionData) bool {
	if _, ok := transitions[s]; !ok || !d.Valid() {
		return false
	}
	if f := flowOf(s); f != domain.FlowNone && f != d.Flow {
		return false
	}

	switch s {
	case domain.StateTransferAmount:
		return d.Transfer.Recipient != ""
	case domain.StateTransferConfirm:
		return d.Transfer.Recipient != "" && d.Transfer.Amount != nil && d.Transfer.Fee != nil
	case domain.StateDepositAmount:
		return d.Deposit.Provider != ""
	case domain.StateDepositConfirm:
		return d.Deposit.Provider != "" && d.Deposit.Amount != nil
	case domain.StateWithdrawAmount:
		return d.Withdrawal.Provider != ""
	case domain.StateWithdrawConfirm:
		return d.Withdrawal.Provider != "" && d.Withdrawal.Amount != nil
	case domain.StateInvestAmount:
		return d.Investment.Vault != ""
	case domain.StateInvestConfirm:
		return d.Investment.Vault != "" && d.Investment.Amount != nil
	case domain.StateOTPVerify:
		return d.Auth != nil
	}
	return true
}

func lookup(state domain.State, class InputClass) (domain.State, bool) {
	next, ok := transitions[state][class]
	return next, ok
}

// truncate drops whatever the target state has not collected yet, so going
// back never carries a stale answer forward.
func truncate(target domain.State, d domain.SessionData) domain.SessionData {
	d = d.Clone()
	d.Auth = nil

	switch target {
	case domain.StateTransferRecipient:
		return domain.StartFlow(domain.FlowTransfer)
	case domain.StateTransferAmount:
		if d.Transfer != nil {
			d.Transfer.Amount, d.Transfer.Fee = nil, nil
		}
	case domain.StateDepositProvider:
		return domain.StartFlow(domain.FlowDeposit)
	case domain.StateDepositAmount:
		if d.Deposit != nil {
			d.Deposit.Amount = nil
		}
	case domain.StateWithdrawProvider:
		return domain.StartFlow(domain.FlowWithdraw)
	case domain.StateWithdrawAmount:
		if d.Withdrawal != nil {
			d.Withdrawal.Amount = nil
		}
	case domain.StateInvestVault:
		return domain.StartFlow(domain.FlowInvest)
	case domain.StateInvestAmount:
		if d.Investment != nil {
			d.Investment.Amount = nil
		}
	case domain.StateTransferConfirm, domain.StateDepositConfirm, domain.StateWithdrawConfirm, domain.StateInvestConfirm:
	default:
		return domain.SessionData{}
	}
	return d
}

// internal/domain/session.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// State identifies a menu node of the USSD state machine.
type State string

const (
	StateMain State = "main"

	StateBalance State = "balance"

	StateTransferRecipient State = "transfer_recipient"
	StateTransferAmount    State = "transfer_amount"
	StateTransferConfirm   State = "transfer_confirm"

	StateDepositProvider State = "deposit_provider"
	StateDepositAmount   State = "deposit_amount"
	StateDepositConfirm  State = "deposit_confirm"

	StateWithdrawProvider State = "withdraw_provider"
	StateWithdrawAmount   State = "withdraw_amount"
	StateWithdrawConfirm  State = "withdraw_confirm"

	StateInvestVault   State = "invest_vault"
	StateInvestAmount  State = "invest_amount"
	StateInvestConfirm State = "invest_confirm"

	StateOTPVerify State = "otp_verify"
	StateHistory   State = "history"
	StateAccount   State = "account"

	// StateEnd is never persisted; a transition into it deletes the session.
	StateEnd State = "end"
)

// Flow tags which draft in SessionData is active.
type Flow string

const (
	FlowNone     Flow = ""
	FlowTransfer Flow = "transfer"
	FlowDeposit  Flow = "deposit"
	FlowWithdraw Flow = "withdraw"
	FlowInvest   Flow = "invest"
)

// Session is one conversation with the gateway, keyed by the gateway's session id.
type Session struct {
	SessionID    string      `json:"session_id"`
	PhoneNumber  string      `json:"phone_number"`
	ServiceCode  string      `json:"service_code,omitempty"`
	CurrentState State       `json:"current_state"`
	Data         SessionData `json:"data"`
	Version      int64       `json:"version"`
	Executing    bool        `json:"executing,omitempty"` // a committing turn is running
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// SessionData is a tagged union: Flow selects which draft is meaningful.
// Auth is orthogonal and only set while an OTP step is pending; it may stand
// alone when a read-only screen waits on login.
type SessionData struct {
	Flow       Flow             `json:"flow,omitempty"`
	Transfer   *TransferDraft   `json:"transfer,omitempty"`
	Deposit    *DepositDraft    `json:"deposit,omitempty"`
	Withdrawal *WithdrawalDraft `json:"withdrawal,omitempty"`
	Investment *InvestmentDraft `json:"investment,omitempty"`
	Auth       *AuthDraft       `json:"auth,omitempty"`
}

type TransferDraft struct {
	Recipient string           `json:"recipient,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Fee       *decimal.Decimal `json:"fee,omitempty"`
}

type DepositDraft struct {
	Provider string           `json:"provider,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}

type WithdrawalDraft struct {
	Provider string           `json:"provider,omitempty"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}

type InvestmentDraft struct {
	Vault  string           `json:"vault,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// AuthDraft remembers which confirmed operation waits on an OTP.
type AuthDraft struct {
	Operation    Operation `json:"operation"`
	ReturnState  State     `json:"return_state"`
	NeedsSession bool      `json:"needs_session"`
}

// StartFlow returns data holding a fresh draft for f and nothing else.
func StartFlow(f Flow) SessionData {
	d := SessionData{Flow: f}
	switch f {
	case FlowTransfer:
		d.Transfer = &TransferDraft{}
	case FlowDeposit:
		d.Deposit = &DepositDraft{}
	case FlowWithdraw:
		d.Withdrawal = &WithdrawalDraft{}
	case FlowInvest:
		d.Investment = &InvestmentDraft{}
	}
	return d
}

// Valid reports whether exactly the draft named by Flow is populated.
func (d SessionData) Valid() bool {
	set := map[Flow]bool{
		FlowTransfer: d.Transfer != nil,
		FlowDeposit:  d.Deposit != nil,
		FlowWithdraw: d.Withdrawal != nil,
		FlowInvest:   d.Investment != nil,
	}
	for f, present := range set {
		if present != (f == d.Flow) {
			return false
		}
	}
	return true
}

// Clone copies every draft so the result can be edited without touching d.
func (d SessionData) Clone() SessionData {
	c := d
	if d.Transfer != nil {
		t := *d.Transfer
		c.Transfer = &t
	}
	if d.Deposit != nil {
		dep := *d.Deposit
		c.Deposit = &dep
	}
	if d.Withdrawal != nil {
		w := *d.Withdrawal
		c.Withdrawal = &w
	}
	if d.Investment != nil {
		i := *d.Investment
		c.Investment = &i
	}
	if d.Auth != nil {
		a := *d.Auth
		c.Auth = &a
	}
	return c
}

func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// internal/domain/auth.go
package domain

import "time"

// Operation names what a caller wants to do; it doubles as the OTP purpose.
type Operation string

const (
	OpBalance  Operation = "balance"
	OpTransfer Operation = "transfer"
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
	OpInvest   Operation = "invest"
	OpHistory  Operation = "history"
	OpAccount  Operation = "account"
	OpLogin    Operation = "login"
)

const (
	// PurposeUSSD is the auth-session purpose implied by the USSD channel.
	PurposeUSSD = "ussd"
	// PurposeAPI tags auth sessions opened over the REST surface.
	PurposeAPI = "api"
)

// OperationFor maps a transaction type to the operation that creates it.
func OperationFor(t TransactionType) (Operation, bool) {
	switch t {
	case TxTypeTransfer:
		return OpTransfer, true
	case TxTypeDeposit:
		return OpDeposit, true
	case TxTypeWithdrawal:
		return OpWithdraw, true
	case TxTypeInvestment:
		return OpInvest, true
	}
	return "", false
}

// RequiresRecentAuth reports whether op moves value out of the account.
func (o Operation) RequiresRecentAuth() bool {
	switch o {
	case OpTransfer, OpInvest, OpWithdraw:
		return true
	}
	return false
}

type PhoneNumber struct {
	Normalized  string `json:"normalized"`
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
}

type AuthSession struct {
	Token       string    `json:"token"`
	PhoneNumber string    `json:"phone_number"`
	Purpose     string    `json:"purpose"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
}

func (s *AuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OTPRecord never holds the raw code. A locked record keeps rejecting
// verification until it expires.
type OTPRecord struct {
	Hash      string    `json:"hash"`
	Purpose   string    `json:"purpose"`
	Attempts  int       `json:"attempts"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
}

// UserContext is what Authorize hands back to callers that passed the gate.
type UserContext struct {
	PhoneNumber  string
	Account      *Account
	AuthSession  *AuthSession
	RecentAuthAt *time.Time
}

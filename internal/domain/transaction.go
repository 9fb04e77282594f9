// internal/domain/transaction.go
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxTypeTransfer   TransactionType = "transfer"
	TxTypeReceive    TransactionType = "receive"
	TxTypeDeposit    TransactionType = "deposit"
	TxTypeWithdrawal TransactionType = "withdrawal"
	TxTypeInvestment TransactionType = "investment"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
)

// IsFinal reports whether no further status change is allowed.
func (s TransactionStatus) IsFinal() bool {
	return s == TxStatusCompleted || s == TxStatusFailed || s == TxStatusCancelled
}

// CanTransitionTo enforces pending -> {completed, failed, cancelled}.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	return s == TxStatusPending && next.IsFinal()
}

const MaxRetries = 3

type Transaction struct {
	ID                  string              `json:"id"`
	PhoneNumber         string              `json:"phone_number"`
	Type                TransactionType     `json:"type"`
	Amount              decimal.Decimal     `json:"amount"`
	Currency            string              `json:"currency"`
	Status              TransactionStatus   `json:"status"`
	ExternalRef         *string             `json:"external_ref,omitempty"`
	Provider            string              `json:"provider,omitempty"`
	Metadata            TransactionMetadata `json:"metadata"`
	NeedsReconciliation bool                `json:"needs_reconciliation"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
}

// TransactionMetadata carries the full intended effect so a retry or a
// reconciliation can be reconstructed without the original request.
type TransactionMetadata struct {
	Recipient          string            `json:"recipient,omitempty"`
	Sender             string            `json:"sender,omitempty"`
	Vault              string            `json:"vault,omitempty"`
	Fee                *decimal.Decimal  `json:"fee,omitempty"`
	SettlementAmount   *decimal.Decimal  `json:"settlement_amount,omitempty"`
	SettlementCurrency string            `json:"settlement_currency,omitempty"`
	Rate               *decimal.Decimal  `json:"rate,omitempty"`
	BurnedAmount       *decimal.Decimal  `json:"burned_amount,omitempty"`
	MintedAmount       *decimal.Decimal  `json:"minted_amount,omitempty"`
	ProviderRequestID  string            `json:"provider_request_id,omitempty"`
	CompletedStages    []string          `json:"completed_stages,omitempty"`
	StageRefs          map[string]string `json:"stage_refs,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	RetryCount         int               `json:"retry_count"`
	RetryOf            string            `json:"retry_of,omitempty"`
	RetriedBy          string            `json:"retried_by,omitempty"`
	Extra              map[string]any    `json:"extra,omitempty"`
}

// SetStageRef records the custody hash or provider id a stage produced.
func (m *TransactionMetadata) SetStageRef(stage, ref string) {
	if m.StageRefs == nil {
		m.StageRefs = make(map[string]string)
	}
	m.StageRefs[stage] = ref
}

// StageDone reports whether the named saga stage completed.
func (m *TransactionMetadata) StageDone(stage string) bool {
	for _, s := range m.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

func (t *Transaction) Ref() string {
	if t.ExternalRef == nil {
		return ""
	}
	return *t.ExternalRef
}

// Summary renders one line for the USSD history screen.
func (t *Transaction) Summary() string {
	sign := "-"
	switch t.Type {
	case TxTypeReceive, TxTypeDeposit:
		sign = "+"
	}
	return fmt.Sprintf("%s %s%s %s %s", t.CreatedAt.Format("02/01"), sign, t.Amount.StringFixed(2), t.Currency, t.Status)
}

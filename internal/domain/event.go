// internal/domain/event.go
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider webhook event types.
const (
	EventCollectionCompleted   = "collection.completed"
	EventCollectionFailed      = "collection.failed"
	EventDisbursementCompleted = "disbursement.completed"
	EventDisbursementFailed    = "disbursement.failed"
)

// ProviderEvent is the normalized shape of an asynchronous provider result,
// whichever provider and transport it arrived through.
type ProviderEvent struct {
	EventType     string          `json:"event_type"`
	ProviderTxID  string          `json:"provider_tx_id"`
	Reference     string          `json:"reference,omitempty"` // our transaction id, when echoed back
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerPhone string          `json:"customer_phone"`
	Receipt       string          `json:"receipt,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// Succeeded reports whether the event describes a successful settlement.
func (e *ProviderEvent) Succeeded() bool {
	return e.EventType == EventCollectionCompleted || e.EventType == EventDisbursementCompleted
}

// TransactionEvent is published on every ledger status change.
type TransactionEvent struct {
	EventType   string            `json:"event_type"`
	TxID        string            `json:"tx_id"`
	PhoneNumber string            `json:"phone_number"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func NewTransactionEvent(tx *Transaction) TransactionEvent {
	return TransactionEvent{
		EventType:   "transaction." + string(tx.Status),
		TxID:        tx.ID,
		PhoneNumber: tx.PhoneNumber,
		Type:        tx.Type,
		Status:      tx.Status,
		Amount:      tx.Amount.String(),
		Currency:    tx.Currency,
		ExternalRef: tx.Ref(),
		Timestamp:   time.Now().UTC(),
	}
}

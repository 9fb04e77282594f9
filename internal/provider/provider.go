// internal/provider/provider.go
package provider

import (
	"context"
	"fmt"
	"sort"

	"ussd-service/internal/domain"

	"github.com/shopspring/decimal"
)

// Settlement statuses reported by QueryStatus.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Kind string

const (
	KindCollection   Kind = "collection"
	KindDisbursement Kind = "disbursement"
)

// SettlementProvider moves fiat between a customer's mobile-money wallet and
// the platform. Errors wrapping domain.ErrExternalFailure are definite
// rejections; any other error leaves the outcome unknown.
type SettlementProvider interface {
	Name() string
	Currency() string
	MinAmount() decimal.Decimal

	InitiateCollection(ctx context.Context, req *Request) (*InitResult, error)
	InitiateDisbursement(ctx context.Context, req *Request) (*InitResult, error)
	QueryStatus(ctx context.Context, kind Kind, providerRef string) (*StatusResult, error)
}

type Request struct {
	Reference string // our transaction id
	Phone     string
	Amount    decimal.Decimal
	Currency  string
}

type InitResult struct {
	ProviderRef string
	RequestID   string
	Message     string
}

type StatusResult struct {
	ProviderRef string
	Status      string
	Amount      decimal.Decimal
	Receipt     string
	Description string
}

// Event maps a polled status onto the webhook event shape.
func (s *StatusResult) Event(kind Kind, currency string) *domain.ProviderEvent {
	if s.Status == StatusPending {
		return nil
	}
	suffix := "completed"
	if s.Status == StatusFailed {
		suffix = "failed"
	}
	return &domain.ProviderEvent{
		EventType:    string(kind) + "." + suffix,
		ProviderTxID: s.ProviderRef,
		Status:       s.Status,
		Amount:       s.Amount,
		Currency:     currency,
		Receipt:      s.Receipt,
		Description:  s.Description,
	}
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]SettlementProvider
}

func NewRegistry(providers ...SettlementProvider) *Registry {
	r := &Registry{providers: make(map[string]SettlementProvider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (SettlementProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Names lists registered providers in a stable order for menus.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

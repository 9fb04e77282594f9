package provider

import (
	"context"
	"errors"

	"ussd-service/internal/domain"
	"ussd-service/pkg/breaker"
	"ussd-service/pkg/httpclient"

	"go.uber.org/zap"
)

type guarded struct {
	SettlementProvider
	b *breaker.Breaker
}

// WithBreaker routes every call to p through a circuit breaker. Definite
// rejections do not count as breaker failures.
func WithBreaker(p SettlementProvider, cfg breaker.Config, logger *zap.Logger) SettlementProvider {
	b := breaker.New("provider:"+p.Name(), cfg, logger, func(err error) bool {
		return errors.Is(err, domain.ErrExternalFailure) && !errors.Is(err, httpclient.ErrNotSent)
	})
	return &guarded{SettlementProvider: p, b: b}
}

func (g *guarded) InitiateCollection(ctx context.Context, req *Request) (*InitResult, error) {
	return breaker.Call(g.b, func() (*InitResult, error) {
		return g.SettlementProvider.InitiateCollection(ctx, req)
	})
}

func (g *guarded) InitiateDisbursement(ctx context.Context, req *Request) (*InitResult, error) {
	return breaker.Call(g.b, func() (*InitResult, error) {
		return g.SettlementProvider.InitiateDisbursement(ctx, req)
	})
}

func (g *guarded) QueryStatus(ctx context.Context, kind Kind, providerRef string) (*StatusResult, error) {
	return breaker.Call(g.b, func() (*StatusResult, error) {
		return g.SettlementProvider.QueryStatus(ctx, kind, providerRef)
	})
}

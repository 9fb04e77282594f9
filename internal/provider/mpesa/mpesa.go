// internal/provider/mpesa/mpesa.go
package mpesa

import (
	"context"
	"fmt"
	"net/url"

	"ussd-service/config"
	"ussd-service/internal/provider"
	"ussd-service/pkg/security"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const Name = "mpesa"

// Provider adapts the Daraja client to provider.SettlementProvider. Callback
// URLs carry our transaction id plus an HMAC over it.
type Provider struct {
	client *Client
	cfg    config.MpesaConfig
	logger *zap.Logger
}

func NewProvider(client *Client, cfg config.MpesaConfig, logger *zap.Logger) *Provider {
	return &Provider{client: client, cfg: cfg, logger: logger}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Currency() string { return p.cfg.Currency }

func (p *Provider) MinAmount() decimal.Decimal { return p.cfg.MinAmount }

// CallbackURL builds a signed callback URL such as {base}/stk/{ref}?sig=...
func (p *Provider) CallbackURL(kind, ref string) string {
	return fmt.Sprintf("%s/%s/%s?sig=%s", p.cfg.CallbackBaseURL, kind, url.PathEscape(ref),
		security.SignRef(ref, p.cfg.CallbackSecret))
}

// VerifyCallback checks the sig query parameter of an inbound callback.
func (p *Provider) VerifyCallback(ref, sig string) bool {
	return security.VerifyRef(ref, sig, p.cfg.CallbackSecret)
}

func (p *Provider) InitiateCollection(ctx context.Context, req *provider.Request) (*provider.InitResult, error) {
	amount := req.Amount.Ceil().IntPart()

	res, err := p.client.StkPush(ctx, req.Phone, req.Reference, amount, p.CallbackURL("stk", req.Reference))
	if err != nil {
		return nil, err
	}

	p.logger.Info("stk push accepted",
		zap.String("reference", req.Reference),
		zap.String("checkout_request_id", res.CheckoutRequestID),
		zap.Int64("amount", amount))

	return &provider.InitResult{
		ProviderRef: res.CheckoutRequestID,
		RequestID:   res.MerchantRequestID,
		Message:     res.CustomerMessage,
	}, nil
}

func (p *Provider) InitiateDisbursement(ctx context.Context, req *provider.Request) (*provider.InitResult, error) {
	amount := req.Amount.Floor().IntPart()

	res, err := p.client.B2C(ctx, req.Phone, req.Reference, amount,
		p.CallbackURL("b2c", req.Reference), p.CallbackURL("b2c/timeout", req.Reference))
	if err != nil {
		return nil, err
	}

	p.logger.Info("b2c accepted",
		zap.String("reference", req.Reference),
		zap.String("conversation_id", res.ConversationID),
		zap.Int64("amount", amount))

	return &provider.InitResult{
		ProviderRef: res.ConversationID,
		RequestID:   res.OriginatorConversationID,
		Message:     res.ResponseDescription,
	}, nil
}

// QueryStatus polls STK pushes. B2C results only arrive by callback, so a
// disbursement stays pending here.
func (p *Provider) QueryStatus(ctx context.Context, kind provider.Kind, providerRef string) (*provider.StatusResult, error) {
	if kind != provider.KindCollection {
		return &provider.StatusResult{ProviderRef: providerRef, Status: provider.StatusPending}, nil
	}

	res, err := p.client.StkQuery(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	status := provider.StatusFailed
	switch res.ResultCode {
	case "0":
		status = provider.StatusCompleted
	case "":
		status = provider.StatusPending
	}
	return &provider.StatusResult{
		ProviderRef: providerRef,
		Status:      status,
		Description: res.ResultDesc,
	}, nil
}

// internal/provider/ramp/ramp.go
package ramp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/internal/provider"
	"ussd-service/pkg/httpclient"
	"ussd-service/pkg/security"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Provider talks to a partner on/off-ramp over an HMAC-signed JSON API.
type Provider struct {
	cfg        config.RampConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewProvider(cfg config.RampConfig, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Currency() string { return p.cfg.Currency }

func (p *Provider) MinAmount() decimal.Decimal { return p.cfg.MinAmount }

type orderRequest struct {
	Reference string `json:"reference"`
	Phone     string `json:"phone"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

type orderResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Amount      string `json:"amount"`
	Receipt     string `json:"receipt"`
	Description string `json:"description"`
}

func (p *Provider) InitiateCollection(ctx context.Context, req *provider.Request) (*provider.InitResult, error) {
	return p.createOrder(ctx, "collections", req)
}

func (p *Provider) InitiateDisbursement(ctx context.Context, req *provider.Request) (*provider.InitResult, error) {
	return p.createOrder(ctx, "disbursements", req)
}

func (p *Provider) createOrder(ctx context.Context, path string, req *provider.Request) (*provider.InitResult, error) {
	payload, err := json.Marshal(orderRequest{
		Reference: req.Reference,
		Phone:     req.Phone,
		Amount:    req.Amount.String(),
		Currency:  req.Currency,
	})
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	var res orderResponse
	err = httpclient.DoRaw(ctx, p.httpClient, http.MethodPost, p.url("/v1/"+path),
		p.headers(payload, req.Reference, requestID), payload, &res)
	if err != nil {
		if httpclient.IsDefinite(err) {
			return nil, fmt.Errorf("%w: %s %s: %w", domain.ErrExternalFailure, p.cfg.Name, path, err)
		}
		return nil, err
	}

	if res.Status == provider.StatusFailed {
		return nil, fmt.Errorf("%w: %s rejected order: %s", domain.ErrExternalFailure, p.cfg.Name, res.Description)
	}

	p.logger.Info("ramp order accepted",
		zap.String("provider", p.cfg.Name),
		zap.String("path", path),
		zap.String("reference", req.Reference),
		zap.String("provider_ref", res.ID))

	return &provider.InitResult{ProviderRef: res.ID, RequestID: requestID, Message: res.Description}, nil
}

func (p *Provider) QueryStatus(ctx context.Context, kind provider.Kind, providerRef string) (*provider.StatusResult, error) {
	path := fmt.Sprintf("/v1/%ss/%s", kind, providerRef)

	var res orderResponse
	if err := httpclient.DoRaw(ctx, p.httpClient, http.MethodGet, p.url(path),
		p.headers(nil, "", uuid.New().String()), nil, &res); err != nil {
		return nil, err
	}

	amount, _ := decimal.NewFromString(res.Amount)
	status := res.Status
	switch status {
	case provider.StatusCompleted, provider.StatusFailed:
	default:
		status = provider.StatusPending
	}
	return &provider.StatusResult{
		ProviderRef: res.ID,
		Status:      status,
		Amount:      amount,
		Receipt:     res.Receipt,
		Description: res.Description,
	}, nil
}

func (p *Provider) url(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) headers(payload []byte, idempotencyKey, requestID string) map[string]string {
	ts := p.now().Unix()
	h := map[string]string{
		"X-API-Key":    p.cfg.APIKey,
		"X-Timestamp":  strconv.FormatInt(ts, 10),
		"X-Signature":  security.GenerateSignature(payload, ts, p.cfg.APISecret),
		"X-Request-ID": requestID,
	}
	if idempotencyKey != "" {
		h["Idempotency-Key"] = idempotencyKey
	}
	return h
}

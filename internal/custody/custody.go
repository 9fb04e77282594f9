// internal/custody/custody.go
package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/pkg/breaker"
	"ussd-service/pkg/httpclient"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TokenDecimals is the precision of the custodial stable token.
const TokenDecimals = 6

var ErrInvalidAddress = errors.New("invalid custody address")

// Client is the custody/asset service: token mint/burn/transfer, balances
// and yield vaults. Every mutating call takes a reference used as an
// idempotency key on the custody side.
type Client interface {
	CreateWallet(ctx context.Context, owner string) (string, error)
	Mint(ctx context.Context, to string, amount decimal.Decimal, ref string) (string, error)
	Burn(ctx context.Context, from string, amount decimal.Decimal, ref string) (string, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref string) (string, error)
	BalanceOf(ctx context.Context, address string) (decimal.Decimal, error)
	DepositToVault(ctx context.Context, vault, from string, amount decimal.Decimal, ref string) (string, error)
	RedeemFromVault(ctx context.Context, vault, to string, amount decimal.Decimal, ref string) (string, error)
}

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// ToBaseUnits converts a token amount into its integer on-chain representation.
func ToBaseUnits(amount decimal.Decimal) string {
	return amount.Shift(TokenDecimals).Truncate(0).String()
}

func FromBaseUnits(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-TokenDecimals), nil
}

type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *breaker.Breaker
	logger     *zap.Logger
}

func NewHTTPClient(cfg config.CustodyConfig, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker: breaker.New("custody", breaker.DefaultConfig(), logger, func(err error) bool {
			if errors.Is(err, httpclient.ErrNotSent) {
				return false
			}
			return errors.Is(err, domain.ErrExternalFailure) || errors.Is(err, domain.ErrInsufficientBalance)
		}),
		logger: logger,
	}
}

type opRequest struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type opResponse struct {
	TxHash string `json:"tx_hash"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) CreateWallet(ctx context.Context, owner string) (string, error) {
	var res struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/wallets", map[string]string{"owner": owner}, &res); err != nil {
		return "", err
	}
	return NormalizeAddress(res.Address)
}

func (c *HTTPClient) Mint(ctx context.Context, to string, amount decimal.Decimal, ref string) (string, error) {
	return c.op(ctx, "/v1/mint", opRequest{To: to, Amount: ToBaseUnits(amount), Reference: ref})
}

func (c *HTTPClient) Burn(ctx context.Context, from string, amount decimal.Decimal, ref string) (string, error) {
	return c.op(ctx, "/v1/burn", opRequest{From: from, Amount: ToBaseUnits(amount), Reference: ref})
}

func (c *HTTPClient) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref string) (string, error) {
	return c.op(ctx, "/v1/transfer", opRequest{From: from, To: to, Amount: ToBaseUnits(amount), Reference: ref})
}

func (c *HTTPClient) DepositToVault(ctx context.Context, vault, from string, amount decimal.Decimal, ref string) (string, error) {
	return c.op(ctx, "/v1/vaults/"+url.PathEscape(vault)+"/deposit", opRequest{From: from, Amount: ToBaseUnits(amount), Reference: ref})
}

func (c *HTTPClient) RedeemFromVault(ctx context.Context, vault, to string, amount decimal.Decimal, ref string) (string, error) {
	return c.op(ctx, "/v1/vaults/"+url.PathEscape(vault)+"/redeem", opRequest{To: to, Amount: ToBaseUnits(amount), Reference: ref})
}

func (c *HTTPClient) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	var res struct {
		Balance string `json:"balance"`
	}
	if err := c.call(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(address), nil, &res); err != nil {
		return decimal.Zero, err
	}
	return FromBaseUnits(res.Balance)
}

func (c *HTTPClient) op(ctx context.Context, path string, req opRequest) (string, error) {
	var res opResponse
	if err := c.call(ctx, http.MethodPost, path, req, &res); err != nil {
		c.logger.Warn("custody operation failed",
			zap.String("path", path),
			zap.String("reference", req.Reference),
			zap.Error(err))
		return "", err
	}
	return res.TxHash, nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	headers := map[string]string{"X-API-Key": c.apiKey}

	_, err := breaker.Call(c.breaker, func() (struct{}, error) {
		err := httpclient.DoJSON(ctx, c.httpClient, method, c.baseURL+path, headers, body, out)
		return struct{}{}, translate(err)
	})
	return err
}

// translate turns custody 4xx bodies into domain errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		var body errorResponse
		if json.Unmarshal([]byte(se.Body), &body) == nil && body.Code == "insufficient_funds" {
			return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, se.Body)
		}
		return fmt.Errorf("%w: custody: %s", domain.ErrExternalFailure, se.Body)
	}
	if errors.Is(err, httpclient.ErrNotSent) {
		return fmt.Errorf("%w: %w", domain.ErrExternalFailure, err)
	}
	return err
}

// internal/provider/mpesa/client.go
package mpesa

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"ussd-service/config"
	"ussd-service/internal/domain"
	"ussd-service/pkg/httpclient"
)

const (
	sandboxURL    = "https://sandbox.safaricom.co.ke"
	productionURL = "https://api.safaricom.co.ke"
)

type cachedToken struct {
	value  string
	expiry time.Time
}

// Client talks to the Daraja API. Tokens are cached per credential set.
type Client struct {
	cfg        config.MpesaConfig
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	tokens map[string]cachedToken
}

func NewClient(cfg config.MpesaConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sandboxURL
		if cfg.Environment == "production" {
			baseURL = productionURL
		}
	}

	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     make(map[string]cachedToken),
	}
}

// getAccessToken returns an OAuth token; apiType is "stk" or "b2c".
func (c *Client) getAccessToken(ctx context.Context, apiType string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.tokens[apiType]; ok && time.Now().Before(t.expiry) {
		return t.value, nil
	}

	consumerKey, consumerSecret := c.cfg.ConsumerKey, c.cfg.ConsumerSecret
	if apiType == "b2c" && c.cfg.B2CConsumerKey != "" {
		consumerKey, consumerSecret = c.cfg.B2CConsumerKey, c.cfg.B2CConsumerSecret
	}

	auth := base64.StdEncoding.EncodeToString([]byte(consumerKey + ":" + consumerSecret))

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	err := httpclient.DoJSON(ctx, c.httpClient, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + auth}, nil, &res)
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", domain.ErrExternalFailure)
	}

	// tokens live an hour; refresh early
	c.tokens[apiType] = cachedToken{value: res.AccessToken, expiry: time.Now().Add(50 * time.Minute)}
	return res.AccessToken, nil
}

func (c *Client) post(ctx context.Context, apiType, path string, payload, out any) error {
	token, err := c.getAccessToken(ctx, apiType)
	if err != nil {
		return err
	}
	err = httpclient.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+path,
		map[string]string{"Authorization": "Bearer " + token}, payload, out)
	if err != nil && httpclient.IsDefinite(err) {
		return fmt.Errorf("%w: mpesa %s: %w", domain.ErrExternalFailure, path, err)
	}
	return err
}

func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))
}

// msisdn converts +2547XXXXXXXX into the 2547XXXXXXXX form Daraja expects.
func msisdn(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

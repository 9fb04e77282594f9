// internal/service/sms/sms.go
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ussd-service/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client sends text messages through the bulk SMS gateway's form API.
type Client struct {
	cfg    config.SMSConfig
	client *http.Client
	logger *zap.Logger
}

func NewClient(cfg config.SMSConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type sendResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

// Send delivers message to the recipient and returns the gateway message id.
// from overrides the configured sender id when set.
func (c *Client) Send(ctx context.Context, to, message, from string) (string, error) {
	start := time.Now()
	if from == "" {
		from = c.cfg.Sender
	}

	form := url.Values{}
	form.Set("userid", c.cfg.UserID)
	form.Set("password", c.cfg.Password)
	form.Set("senderid", from)
	form.Set("sendMethod", "quick")
	form.Set("msgType", "text")
	form.Set("msg", message)
	form.Set("mobile", strings.TrimPrefix(to, "+"))
	form.Set("duplicatecheck", "true")
	form.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("sms http error", zap.String("recipient", to), zap.Error(err))
		return "", fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("sms send failed",
			zap.String("recipient", to),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)))
		return "", fmt.Errorf("sms api error: status %d: %s", resp.StatusCode, string(body))
	}

	var res sendResponse
	_ = json.Unmarshal(body, &res)
	if strings.EqualFold(res.Status, "error") {
		return "", fmt.Errorf("sms api error: %s", res.Reason)
	}

	msgID := res.TransactionID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	c.logger.Info("sms sent",
		zap.String("recipient", to),
		zap.String("sender", from),
		zap.String("message_id", msgID),
		zap.Duration("duration", time.Since(start)))

	return msgID, nil
}

// LogClient stands in for the gateway when SMS is disabled. The message body
// is not logged since it may carry a one-time code.
type LogClient struct {
	logger *zap.Logger
}

func NewLogClient(logger *zap.Logger) *LogClient {
	return &LogClient{logger: logger}
}

func (c *LogClient) Send(_ context.Context, to, message, from string) (string, error) {
	msgID := uuid.NewString()
	c.logger.Info("sms disabled, message dropped",
		zap.String("recipient", to),
		zap.String("sender", from),
		zap.Int("length", len(message)),
		zap.String("message_id", msgID))
	return msgID, nil
}

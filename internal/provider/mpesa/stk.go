package mpesa

import (
	"context"
	"fmt"
	"time"

	"ussd-service/internal/domain"
)

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// StkPush asks the customer's handset to approve a payment to our shortcode.
func (c *Client) StkPush(ctx context.Context, phone, accountRef string, amount int64, callbackURL string) (*STKPushResponse, error) {
	timestamp := time.Now().Format("20060102150405")

	request := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            msisdn(phone),
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       msisdn(phone),
		CallBackURL:       callbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   "Deposit",
	}

	var response STKPushResponse
	if err := c.post(ctx, "stk", "/mpesa/stkpush/v1/processrequest", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: stk push rejected: %s", domain.ErrExternalFailure, response.ResponseDescription)
	}
	return &response, nil
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// StkQuery polls the outcome of an earlier push.
func (c *Client) StkQuery(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	timestamp := time.Now().Format("20060102150405")

	request := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var response STKQueryResponse
	if err := c.post(ctx, "stk", "/mpesa/stkpushquery/v1/query", request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

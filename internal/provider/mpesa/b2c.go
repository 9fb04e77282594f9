package mpesa

import (
	"context"
	"fmt"

	"ussd-service/internal/domain"
)

type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2C pays out from the business shortcode to a customer.
func (c *Client) B2C(ctx context.Context, phone, accountRef string, amount int64, resultURL, timeoutURL string) (*B2CResponse, error) {
	request := B2CRequest{
		InitiatorName:      c.cfg.B2CInitiatorName,
		SecurityCredential: c.cfg.B2CSecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             amount,
		PartyA:             c.cfg.B2CShortCode,
		PartyB:             msisdn(phone),
		Remarks:            "Withdrawal " + accountRef,
		QueueTimeOutURL:    timeoutURL,
		ResultURL:          resultURL,
		Occasion:           accountRef,
	}

	var response B2CResponse
	if err := c.post(ctx, "b2c", "/mpesa/b2c/v1/paymentrequest", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: b2c rejected: %s", domain.ErrExternalFailure, response.ResponseDescription)
	}
	return &response, nil
}

package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"

	"ussd-service/internal/domain"

	"github.com/shopspring/decimal"
)

type STKCallbackRequest struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type B2CCallbackRequest struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []struct {
				Key   string      `json:"Key"`
				Value interface{} `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParseSTKCallback maps a Lipa Na M-Pesa result onto a collection event keyed
// by CheckoutRequestID.
func ParseSTKCallback(payload []byte) (*domain.ProviderEvent, error) {
	var callback STKCallbackRequest
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, fmt.Errorf("failed to parse callback: %w", err)
	}

	stk := callback.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}

	event := &domain.ProviderEvent{
		EventType:    domain.EventCollectionFailed,
		ProviderTxID: stk.CheckoutRequestID,
		Status:       "failed",
		Currency:     "KES",
		Description:  stk.ResultDesc,
	}
	if stk.ResultCode != 0 {
		return event, nil
	}

	event.EventType = domain.EventCollectionCompleted
	event.Status = "completed"
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			event.Amount = toDecimal(item.Value)
		case "MpesaReceiptNumber":
			event.Receipt = toString(item.Value)
		case "PhoneNumber":
			event.CustomerPhone = toString(item.Value)
		}
	}
	return event, nil
}

// ParseB2CCallback maps a B2C result onto a disbursement event keyed by
// ConversationID.
func ParseB2CCallback(payload []byte) (*domain.ProviderEvent, error) {
	var callback B2CCallbackRequest
	if err := json.Unmarshal(payload, &callback); err != nil {
		return nil, fmt.Errorf("failed to parse callback: %w", err)
	}

	res := callback.Result
	if res.ConversationID == "" {
		return nil, fmt.Errorf("callback missing ConversationID")
	}

	event := &domain.ProviderEvent{
		EventType:    domain.EventDisbursementFailed,
		ProviderTxID: res.ConversationID,
		Status:       "failed",
		Currency:     "KES",
		Receipt:      res.TransactionID,
		Description:  res.ResultDesc,
	}
	if res.ResultCode != 0 {
		return event, nil
	}

	event.EventType = domain.EventDisbursementCompleted
	event.Status = "completed"
	for _, param := range res.ResultParameters.ResultParameter {
		switch param.Key {
		case "TransactionAmount":
			event.Amount = toDecimal(param.Value)
		case "TransactionReceipt":
			event.Receipt = toString(param.Value)
		case "ReceiverPartyPublicName":
			event.CustomerPhone = toString(param.Value)
		}
	}
	return event, nil
}

// TimeoutEvent is what a B2C queue timeout means for us: the payout did not happen.
func TimeoutEvent(conversationID string) *domain.ProviderEvent {
	return &domain.ProviderEvent{
		EventType:    domain.EventDisbursementFailed,
		ProviderTxID: conversationID,
		Status:       "failed",
		Currency:     "KES",
		Description:  "request timed out in provider queue",
	}
}

func toDecimal(v interface{}) decimal.Decimal {
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case string:
		d, _ := decimal.NewFromString(val)
		return d
	}
	return decimal.Zero
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}

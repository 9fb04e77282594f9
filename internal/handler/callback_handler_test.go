package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ussd-service/internal/domain"
	"ussd-service/internal/provider/mpesa"
	"ussd-service/internal/usecase/callback"
	"ussd-service/pkg/security"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const callbackSecret = "callback-secret"

type secretVerifier string

func (s secretVerifier) VerifyCallback(ref, sig string) bool {
	return security.VerifyRef(ref, sig, string(s))
}

const stkSuccess = `{"Body":{"stkCallback":{
	"MerchantRequestID":"M-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",
	"CallbackMetadata":{"Item":[
		{"Name":"Amount","Value":500},
		{"Name":"MpesaReceiptNumber","Value":"QK12AB"},
		{"Name":"PhoneNumber","Value":254712345678}]}}}}`

const b2cTimeout = `{"Result":{"ResultType":0,"ResultCode":1,"ResultDesc":"timeout","ConversationID":"AG_1"}}`

func callbackRouter(events EventHandler) http.Handler {
	h := NewCallbackHandler(events, secretVerifier(callbackSecret), zap.NewNop())
	r := chi.NewRouter()
	r.Route("/api/v1/callbacks/mpesa", func(r chi.Router) {
		r.Post("/stk/{ref}", h.HandleMpesaSTKCallback)
		r.Post("/b2c/{ref}", h.HandleMpesaB2CCallback)
		r.Post("/b2c/timeout/{ref}", h.HandleMpesaB2CTimeout)
	})
	return r
}

func postCallback(router http.Handler, path, ref, sig, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/callbacks/mpesa/"+path+"/"+ref+"?sig="+sig, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSTKCallbackAppliesCollection(t *testing.T) {
	events := &fakeEvents{outcome: callback.Applied}
	router := callbackRouter(events)

	rec := postCallback(router, "stk", "TX1", security.SignRef("TX1", callbackSecret), stkSuccess)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	require.Len(t, events.got, 1)
	got := events.got[0]
	assert.Equal(t, mpesa.Name, got.provider)
	assert.Equal(t, "TX1", got.txID)
	assert.Equal(t, domain.EventCollectionCompleted, got.event.EventType)
	assert.Equal(t, "ws_CO_1", got.event.ProviderTxID)
	assert.True(t, decimal.NewFromInt(500).Equal(got.event.Amount))
}

func TestCallbackWithForeignSignatureIsRejected(t *testing.T) {
	events := &fakeEvents{}
	router := callbackRouter(events)

	// a valid signature for a different transaction
	rec := postCallback(router, "stk", "TX1", security.SignRef("TX2", callbackSecret), stkSuccess)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, events.got)

	rec = postCallback(router, "stk", "TX1", "", stkSuccess)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, events.got)
}

func TestB2CTimeoutFailsDisbursement(t *testing.T) {
	events := &fakeEvents{outcome: callback.Applied}
	router := callbackRouter(events)

	rec := postCallback(router, "b2c/timeout", "TX9", security.SignRef("TX9", callbackSecret), b2cTimeout)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.got, 1)
	assert.Equal(t, "TX9", events.got[0].txID)
	assert.Equal(t, domain.EventDisbursementFailed, events.got[0].event.EventType)
	assert.Equal(t, "AG_1", events.got[0].event.ProviderTxID)
}

func TestMalformedCallbackIsBadRequest(t *testing.T) {
	events := &fakeEvents{}
	router := callbackRouter(events)

	rec := postCallback(router, "b2c", "TX1", security.SignRef("TX1", callbackSecret), `{"Result":{}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, events.got)
}

func TestCallbackNotCommittedIsNotAcknowledged(t *testing.T) {
	events := &fakeEvents{err: errors.New("lock busy")}
	router := callbackRouter(events)

	rec := postCallback(router, "stk", "TX1", security.SignRef("TX1", callbackSecret), stkSuccess)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":1`)
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/internal/menu"
	"ussd-service/internal/repository"
	"ussd-service/internal/usecase/auth"
	"ussd-service/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type kenyanPhones struct{}

func (kenyanPhones) ValidatePhoneNumber(raw string) (*domain.PhoneNumber, error) {
	return auth.ValidatePhoneNumber(raw, "KE")
}

type fakeProvisioner struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeProvisioner) EnsureAccount(_ context.Context, phone string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, phone)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Account{PhoneNumber: phone}, nil
}

type turn struct {
	state domain.State
	input string
	phone string
}

// scriptedMenu records every turn and answers with the next scripted result.
type scriptedMenu struct {
	mu      sync.Mutex
	turns   []turn
	results []menu.Result
}

func (s *scriptedMenu) Transition(_ context.Context, state domain.State, input string, _ domain.SessionData, phone string) menu.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn{state: state, input: input, phone: phone})
	if len(s.results) == 0 {
		return menu.Result{Text: "bye", Continue: false, Next: domain.StateEnd}
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res
}

type ussdFixture struct {
	handler  *USSDHandler
	sessions repository.SessionRepository
	accounts *fakeProvisioner
	menu     *scriptedMenu
}

func newUSSDFixture(t *testing.T) *ussdFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &ussdFixture{
		sessions: repository.NewSessionRepository(cache.New(client), time.Hour),
		accounts: &fakeProvisioner{},
		menu:     &scriptedMenu{},
	}
	f.handler = NewUSSDHandler(f.sessions, kenyanPhones{}, f.accounts, f.menu, zap.NewNop())
	return f
}

func (f *ussdFixture) post(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ussd", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.HandleUSSD(rec, req)
	return rec
}

func ussdForm(sessionID, phone, text string) url.Values {
	return url.Values{
		"sessionId":   {sessionID},
		"phoneNumber": {phone},
		"serviceCode": {"*384*1#"},
		"text":        {text},
	}
}

func TestFirstTurnCreatesSessionAndAccount(t *testing.T) {
	f := newUSSDFixture(t)
	f.menu.results = []menu.Result{{Text: "Welcome", Continue: true, Next: domain.StateMain}}

	rec := f.post(t, ussdForm("S1", "0712345678", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CON Welcome", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, []string{"+254712345678"}, f.accounts.calls)

	require.Len(t, f.menu.turns, 1)
	assert.Equal(t, turn{state: domain.StateMain, input: "", phone: "+254712345678"}, f.menu.turns[0])

	stored, err := f.sessions.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateMain, stored.CurrentState)
	assert.Equal(t, "+254712345678", stored.PhoneNumber)
	assert.Equal(t, int64(1), stored.Version)
}

func TestLaterTurnsResumeStoredStateWithNewestInput(t *testing.T) {
	f := newUSSDFixture(t)
	f.menu.results = []menu.Result{
		{Text: "Welcome", Continue: true, Next: domain.StateMain},
		{Text: "Enter recipient", Continue: true, Next: domain.StateTransferRecipient, Data: domain.StartFlow(domain.FlowTransfer)},
		{Text: "Enter amount", Continue: true, Next: domain.StateTransferAmount, Data: domain.StartFlow(domain.FlowTransfer)},
	}

	f.post(t, ussdForm("S1", "+254712345678", ""))
	f.post(t, ussdForm("S1", "+254712345678", "2"))
	rec := f.post(t, ussdForm("S1", "+254712345678", "2*0798765432"))

	assert.Equal(t, "CON Enter amount", rec.Body.String())
	require.Len(t, f.menu.turns, 3)
	assert.Equal(t, domain.StateMain, f.menu.turns[1].state)
	assert.Equal(t, "2", f.menu.turns[1].input)
	assert.Equal(t, domain.StateTransferRecipient, f.menu.turns[2].state)
	assert.Equal(t, "0798765432", f.menu.turns[2].input)
	assert.Len(t, f.accounts.calls, 1, "account is provisioned on the first turn only")

	stored, err := f.sessions.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateTransferAmount, stored.CurrentState)
	assert.Equal(t, domain.FlowTransfer, stored.Data.Flow)
	assert.Equal(t, int64(3), stored.Version)
}

func TestEndingTurnDeletesSession(t *testing.T) {
	f := newUSSDFixture(t)
	f.menu.results = []menu.Result{
		{Text: "Welcome", Continue: true, Next: domain.StateMain},
		{Text: "Goodbye.", Continue: false, Next: domain.StateEnd},
	}

	f.post(t, ussdForm("S1", "+254712345678", ""))
	rec := f.post(t, ussdForm("S1", "+254712345678", "0"))

	assert.Equal(t, "END Goodbye.", rec.Body.String())
	_, err := f.sessions.Get(context.Background(), "S1")
	assert.ErrorIs(t, err, domain.ErrUSSDSessionGone)
}

func TestInvalidPhoneEndsWithoutTouchingMenu(t *testing.T) {
	f := newUSSDFixture(t)

	rec := f.post(t, ussdForm("S1", "12", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "END Invalid phone number.", rec.Body.String())
	assert.Empty(t, f.menu.turns)
	assert.Empty(t, f.accounts.calls)
}

func TestMissingSessionIDIsBadRequest(t *testing.T) {
	f := newUSSDFixture(t)

	rec := f.post(t, ussdForm("", "+254712345678", ""))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "END "))
}

func TestProvisioningFailureEndsSession(t *testing.T) {
	f := newUSSDFixture(t)
	f.accounts.err = errors.New("custody down")

	rec := f.post(t, ussdForm("S1", "+254712345678", ""))

	assert.Equal(t, "END Service temporarily unavailable. Please try again later.", rec.Body.String())
	assert.Empty(t, f.menu.turns)
	_, err := f.sessions.Get(context.Background(), "S1")
	assert.ErrorIs(t, err, domain.ErrUSSDSessionGone)
}

func TestSessionFromAnotherPhoneStartsOver(t *testing.T) {
	f := newUSSDFixture(t)
	f.menu.results = []menu.Result{
		{Text: "Enter recipient", Continue: true, Next: domain.StateTransferRecipient, Data: domain.StartFlow(domain.FlowTransfer)},
		{Text: "Welcome", Continue: true, Next: domain.StateMain},
	}
	f.post(t, ussdForm("S1", "+254712345678", "2"))

	rec := f.post(t, ussdForm("S1", "+254798765432", "2*0712345678"))

	assert.Equal(t, "CON Welcome", rec.Body.String())
	require.Len(t, f.menu.turns, 2)
	assert.Equal(t, turn{state: domain.StateMain, input: "", phone: "+254798765432"}, f.menu.turns[1])
}

// blockingMenu holds each turn inside Transition until released.
type blockingMenu struct {
	scriptedMenu
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMenu) Transition(ctx context.Context, state domain.State, input string, data domain.SessionData, phone string) menu.Result {
	b.entered <- struct{}{}
	<-b.release
	return b.scriptedMenu.Transition(ctx, state, input, data, phone)
}

func TestDuplicateConfirmTurnNeverExecutes(t *testing.T) {
	f := newUSSDFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, &domain.Session{
		SessionID:    "S1",
		PhoneNumber:  "+254712345678",
		CurrentState: domain.StateTransferConfirm,
		Data:         domain.StartFlow(domain.FlowTransfer),
	}))

	bm := &blockingMenu{entered: make(chan struct{}, 2), release: make(chan struct{})}
	bm.results = []menu.Result{{Text: "Sent.", Continue: false, Next: domain.StateEnd}}
	h := NewUSSDHandler(f.sessions, kenyanPhones{}, f.accounts, bm, zap.NewNop())
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ussd", strings.NewReader(ussdForm("S1", "+254712345678", "2*0798765432*10*1").Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		h.HandleUSSD(rec, req)
		return rec
	}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- post() }()
	<-bm.entered

	dup := post()
	assert.Equal(t, "END Your request is already being processed.", dup.Body.String())

	close(bm.release)
	assert.Equal(t, "END Sent.", (<-first).Body.String())
	assert.Len(t, bm.turns, 1)
	_, err := f.sessions.Get(ctx, "S1")
	assert.ErrorIs(t, err, domain.ErrUSSDSessionGone)
}

func TestConfirmTurnThatContinuesKeepsItsClaim(t *testing.T) {
	f := newUSSDFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, &domain.Session{
		SessionID:    "S1",
		PhoneNumber:  "+254712345678",
		CurrentState: domain.StateWithdrawConfirm,
		Data:         domain.StartFlow(domain.FlowWithdraw),
	}))
	f.menu.results = []menu.Result{{Text: "Enter code", Continue: true, Next: domain.StateOTPVerify, Data: domain.StartFlow(domain.FlowWithdraw)}}

	rec := f.post(t, ussdForm("S1", "+254712345678", "4*1*50*1"))

	assert.Equal(t, "CON Enter code", rec.Body.String())
	stored, err := f.sessions.Get(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOTPVerify, stored.CurrentState)
	assert.Equal(t, int64(3), stored.Version, "claim and result are both saved")
	assert.False(t, stored.Executing)
}

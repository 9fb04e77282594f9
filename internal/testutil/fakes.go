// Package testutil holds in-memory stand-ins for the ledger, custody and
// provider ports, shared by usecase and handler tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ussd-service/internal/domain"
	"ussd-service/internal/provider"

	"github.com/shopspring/decimal"
)

// Ledger is an in-memory TransactionRepository with the same pending-only
// status rule as the Postgres one. SetFailure makes one write method fail.
type Ledger struct {
	mu   sync.Mutex
	txs  map[string]*domain.Transaction
	fail map[string]error
	seq  int
}

func NewLedger() *Ledger {
	return &Ledger{txs: make(map[string]*domain.Transaction), fail: make(map[string]error)}
}

// SetFailure fails every call of op ("set_external_ref", "update_metadata"
// or "update_status"); a nil err clears it.
func (l *Ledger) SetFailure(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.fail, op)
		return
	}
	l.fail[op] = err
}

func clone(tx *domain.Transaction) *domain.Transaction {
	c := *tx
	if tx.ExternalRef != nil {
		ref := *tx.ExternalRef
		c.ExternalRef = &ref
	}
	c.Metadata.CompletedStages = append([]string(nil), tx.Metadata.CompletedStages...)
	if tx.Metadata.StageRefs != nil {
		c.Metadata.StageRefs = make(map[string]string, len(tx.Metadata.StageRefs))
		for k, v := range tx.Metadata.StageRefs {
			c.Metadata.StageRefs[k] = v
		}
	}
	return &c
}

func (l *Ledger) Create(_ context.Context, tx *domain.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[tx.ID]; ok {
		return fmt.Errorf("duplicate transaction %s", tx.ID)
	}
	l.seq++
	now := time.Now().UTC().Add(time.Duration(l.seq) * time.Millisecond)
	tx.CreatedAt, tx.UpdatedAt = now, now
	l.txs[tx.ID] = clone(tx)
	return nil
}

func (l *Ledger) GetByID(_ context.Context, id string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return clone(tx), nil
}

func (l *Ledger) GetByExternalRef(_ context.Context, providerName, ref string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tx := range l.txs {
		if tx.Provider == providerName && tx.Ref() == ref && tx.Type != domain.TxTypeReceive {
			return clone(tx), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (l *Ledger) ListByPhone(_ context.Context, phone string, limit int) ([]*domain.Transaction, error) {
	return l.filter(func(tx *domain.Transaction) bool { return tx.PhoneNumber == phone }, limit), nil
}

func (l *Ledger) ListNeedingReconciliation(_ context.Context, limit int) ([]*domain.Transaction, error) {
	return l.filter(func(tx *domain.Transaction) bool { return tx.NeedsReconciliation }, limit), nil
}

func (l *Ledger) filter(keep func(*domain.Transaction) bool, limit int) []*domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.Transaction
	for _, tx := range l.txs {
		if keep(tx) {
			out = append(out, clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (l *Ledger) SetExternalRef(_ context.Context, id, ref string) error {
	return l.mutate("set_external_ref", id, func(tx *domain.Transaction) { tx.ExternalRef = &ref })
}

func (l *Ledger) UpdateMetadata(_ context.Context, id string, meta domain.TransactionMetadata) error {
	meta = clone(&domain.Transaction{Metadata: meta}).Metadata
	return l.mutate("update_metadata", id, func(tx *domain.Transaction) { tx.Metadata = meta })
}

func (l *Ledger) FlagReconciliation(_ context.Context, id string, flag bool) error {
	return l.mutate("flag_reconciliation", id, func(tx *domain.Transaction) { tx.NeedsReconciliation = flag })
}

func (l *Ledger) UpdateStatus(_ context.Context, id string, status domain.TransactionStatus, meta domain.TransactionMetadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail["update_status"]; err != nil {
		return err
	}
	tx, ok := l.txs[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if tx.Status != domain.TxStatusPending {
		return domain.ErrInvalidTransition
	}
	if status == domain.TxStatusCompleted && tx.ExternalRef == nil {
		return fmt.Errorf("completed transaction %s has no external reference", id)
	}
	now := time.Now().UTC()
	tx.Status = status
	tx.Metadata = clone(&domain.Transaction{Metadata: meta}).Metadata
	tx.UpdatedAt = now
	if status == domain.TxStatusCompleted {
		tx.CompletedAt = &now
	}
	return nil
}

func (l *Ledger) mutate(op, id string, fn func(*domain.Transaction)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[op]; err != nil {
		return err
	}
	tx, ok := l.txs[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	fn(tx)
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

// All returns every stored transaction, oldest first.
func (l *Ledger) All() []*domain.Transaction {
	out := l.filter(func(*domain.Transaction) bool { return true }, 0)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Accounts is an in-memory AccountRepository.
type Accounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	nextID   int64
}

func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[string]*domain.Account)}
}

func (a *Accounts) Create(_ context.Context, acct *domain.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[acct.PhoneNumber]; ok {
		return domain.ErrAccountExists
	}
	a.nextID++
	acct.ID = a.nextID
	c := *acct
	a.accounts[acct.PhoneNumber] = &c
	return nil
}

func (a *Accounts) GetByPhone(_ context.Context, phone string) (*domain.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.accounts[phone]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	c := *acct
	return &c, nil
}

func (a *Accounts) UpdateCachedBalance(_ context.Context, phone string, balance decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.accounts[phone]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acct.CachedBalance = balance
	return nil
}

// Custody keeps token balances per address and records every call.
// SetFailure(op, err) fails every call of op; FailFunc can target a single
// reference.
type Custody struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	refs     map[string]string
	fail     map[string]error
	FailFunc func(op, ref string) error
	Calls    []string
	wallets  int
}

func NewCustody() *Custody {
	return &Custody{
		balances: make(map[string]decimal.Decimal),
		refs:     make(map[string]string),
		fail:     make(map[string]error),
	}
}

func (c *Custody) SetBalance(addr string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = amount
}

func (c *Custody) Balance(addr string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[addr]
}

func (c *Custody) SetFailure(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.fail, op)
		return
	}
	c.fail[op] = err
}

// CallsTo returns the recorded calls of op.
func (c *Custody) CallsTo(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.Calls {
		if call == op {
			n++
		}
	}
	return n
}

func (c *Custody) begin(op, ref string) error {
	c.Calls = append(c.Calls, op)
	if c.FailFunc != nil {
		if err := c.FailFunc(op, ref); err != nil {
			return err
		}
	}
	return c.fail[op]
}

// apply runs a balance change once per reference, like the real service.
func (c *Custody) apply(ref string, fn func() error) (string, error) {
	if hash, ok := c.refs[ref]; ok {
		return hash, nil
	}
	if err := fn(); err != nil {
		return "", err
	}
	hash := fmt.Sprintf("0xhash%d", len(c.refs)+1)
	c.refs[ref] = hash
	return hash, nil
}

func (c *Custody) debit(addr string, amount decimal.Decimal) error {
	if c.balances[addr].LessThan(amount) {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, addr)
	}
	c.balances[addr] = c.balances[addr].Sub(amount)
	return nil
}

func (c *Custody) CreateWallet(_ context.Context, owner string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("create_wallet", ""); err != nil {
		return "", err
	}
	c.wallets++
	return fmt.Sprintf("0x%040d", c.wallets), nil
}

func (c *Custody) Mint(_ context.Context, to string, amount decimal.Decimal, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("mint", ref); err != nil {
		return "", err
	}
	return c.apply(ref, func() error {
		c.balances[to] = c.balances[to].Add(amount)
		return nil
	})
}

func (c *Custody) Burn(_ context.Context, from string, amount decimal.Decimal, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("burn", ref); err != nil {
		return "", err
	}
	return c.apply(ref, func() error { return c.debit(from, amount) })
}

func (c *Custody) Transfer(_ context.Context, from, to string, amount decimal.Decimal, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("transfer", ref); err != nil {
		return "", err
	}
	return c.apply(ref, func() error {
		if err := c.debit(from, amount); err != nil {
			return err
		}
		c.balances[to] = c.balances[to].Add(amount)
		return nil
	})
}

func (c *Custody) BalanceOf(_ context.Context, addr string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("balance", ""); err != nil {
		return decimal.Zero, err
	}
	return c.balances[addr], nil
}

func (c *Custody) DepositToVault(_ context.Context, vault, from string, amount decimal.Decimal, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("vault_deposit", ref); err != nil {
		return "", err
	}
	return c.apply(ref, func() error {
		if err := c.debit(from, amount); err != nil {
			return err
		}
		c.balances[vault] = c.balances[vault].Add(amount)
		return nil
	})
}

func (c *Custody) RedeemFromVault(_ context.Context, vault, to string, amount decimal.Decimal, ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("vault_redeem", ref); err != nil {
		return "", err
	}
	return c.apply(ref, func() error {
		if err := c.debit(vault, amount); err != nil {
			return err
		}
		c.balances[to] = c.balances[to].Add(amount)
		return nil
	})
}

// Provider is a scriptable settlement provider.
type Provider struct {
	mu sync.Mutex

	ProviderName string
	Cur          string
	Min          decimal.Decimal

	CollectErr  error
	DisburseErr error
	Status      *provider.StatusResult

	Requests []provider.Request

	// OnInitiate runs before a request is answered, while the caller's
	// saga is still in flight.
	OnInitiate func(req provider.Request)
}

func NewProvider(name, currency string, min decimal.Decimal) *Provider {
	return &Provider{ProviderName: name, Cur: currency, Min: min}
}

func (p *Provider) Name() string               { return p.ProviderName }
func (p *Provider) Currency() string           { return p.Cur }
func (p *Provider) MinAmount() decimal.Decimal { return p.Min }

func (p *Provider) InitiateCollection(_ context.Context, req *provider.Request) (*provider.InitResult, error) {
	return p.initiate(req, "COL", p.CollectErr)
}

func (p *Provider) InitiateDisbursement(_ context.Context, req *provider.Request) (*provider.InitResult, error) {
	return p.initiate(req, "DIS", p.DisburseErr)
}

func (p *Provider) initiate(req *provider.Request, prefix string, err error) (*provider.InitResult, error) {
	if p.OnInitiate != nil {
		p.OnInitiate(*req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, *req)
	if err != nil {
		return nil, err
	}
	return &provider.InitResult{
		ProviderRef: fmt.Sprintf("%s-%s", prefix, req.Reference),
		RequestID:   fmt.Sprintf("REQ-%d", len(p.Requests)),
	}, nil
}

func (p *Provider) QueryStatus(_ context.Context, _ provider.Kind, providerRef string) (*provider.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status == nil {
		return &provider.StatusResult{ProviderRef: providerRef, Status: provider.StatusPending}, nil
	}
	res := *p.Status
	res.ProviderRef = providerRef
	return &res, nil
}

// SMS records sent messages.
type SMS struct {
	mu   sync.Mutex
	Err  error
	sent []Message
}

type Message struct {
	To   string
	Body string
}

func (s *SMS) Send(_ context.Context, to, message, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	s.sent = append(s.sent, Message{To: to, Body: message})
	return fmt.Sprintf("MSG-%d", len(s.sent)), nil
}

func (s *SMS) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

// To returns the messages sent to one phone.
func (s *SMS) To(phone string) []Message {
	var out []Message
	for _, m := range s.Sent() {
		if m.To == phone {
			out = append(out, m)
		}
	}
	return out
}

// Publisher records published transaction events.
type Publisher struct {
	mu     sync.Mutex
	Events []domain.TransactionEvent
}

func (p *Publisher) PublishTransaction(_ context.Context, tx *domain.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, domain.NewTransactionEvent(tx))
	return nil
}

func (p *Publisher) Count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.Events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

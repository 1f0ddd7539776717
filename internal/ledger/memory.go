package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger used in dev mode and tests. It keeps the
// same append-only contract as the real ledger and publishes an event for
// every mutation.
type Memory struct {
	mu          sync.Mutex
	accounts    map[string]*memAccount
	purchases   map[string][]PurchaseRecord
	events      map[string]EventMetadata
	operators   map[string]struct{}
	subs        map[*memSubscription]struct{}
	seq         uint64
	block       uint64
	unavailable bool
	now         func() time.Time
}

type memAccount struct {
	balance decimal.Decimal
	txs     []TransactionRecord
}

func NewMemory() *Memory {
	return &Memory{
		accounts:  make(map[string]*memAccount),
		purchases: make(map[string][]PurchaseRecord),
		events:    make(map[string]EventMetadata),
		operators: make(map[string]struct{}),
		subs:      make(map[*memSubscription]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ── Seeding and mutation ─────────────────────────────────────────────────────

func (m *Memory) AddAccount(account string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[account]; !ok {
		m.accounts[account] = &memAccount{balance: balance}
	}
}

func (m *Memory) AddEvent(meta EventMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[meta.ID] = meta
}

func (m *Memory) AuthorizeOperator(operator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operators[operator] = struct{}{}
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared.
func (m *Memory) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// SetBalance replaces the balance of account and publishes BalanceUpdated.
func (m *Memory) SetBalance(account string, balance decimal.Decimal, updateKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accountLocked(account)
	acc.balance = balance
	m.publishLocked(Event{Type: EventBalanceUpdated, Account: account, Balance: balance, UpdateKind: updateKind})
}

// AppendTransaction appends rec to the account log, assigning its index
// and timestamp, and publishes TransactionRecorded.
func (m *Memory) AppendTransaction(account string, rec TransactionRecord) TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(account, rec)
}

// Purchase records one ticket for eventID and publishes EventPurchased.
func (m *Memory) Purchase(account, eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountLocked(account)
	m.purchases[account] = append(m.purchases[account], PurchaseRecord{
		Account:   account,
		EventID:   eventID,
		Timestamp: m.now(),
	})
	m.publishLocked(Event{Type: EventPurchased, Account: account, EventID: eventID})
}

// DropSubscriptions faults every open subscription, as a lost connection
// to the ledger would.
func (m *Memory) DropSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		s.fault()
		delete(m.subs, s)
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) accountLocked(account string) *memAccount {
	acc, ok := m.accounts[account]
	if !ok {
		acc = &memAccount{balance: decimal.Zero}
		m.accounts[account] = acc
	}
	return acc
}

func (m *Memory) appendLocked(account string, rec TransactionRecord) TransactionRecord {
	acc := m.accountLocked(account)
	rec.Index = uint64(len(acc.txs))
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	acc.txs = append(acc.txs, rec)
	m.block++
	tx := rec
	m.publishLocked(Event{Type: EventTransactionRecorded, Account: account, Transaction: &tx})
	return rec
}

func (m *Memory) publishLocked(ev Event) {
	if ev.Sequence == 0 {
		m.seq++
		ev.Sequence = m.seq
	}
	for s := range m.subs {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: the event is lost, as on a real stream.
		}
	}
}

// ── Client ───────────────────────────────────────────────────────────────────

func (m *Memory) QueryTransactions(_ context.Context, account string, limit int) ([]TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	acc, ok := m.accounts[account]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", account, ErrNotFound)
	}
	txs := acc.txs
	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	out := make([]TransactionRecord, len(txs))
	copy(out, txs)
	return out, nil
}

func (m *Memory) QueryPurchases(_ context.Context, account, eventID string) ([]PurchaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	if _, ok := m.accounts[account]; !ok {
		return nil, fmt.Errorf("account %s: %w", account, ErrNotFound)
	}
	var out []PurchaseRecord
	for _, p := range m.purchases[account] {
		if eventID == "" || p.EventID == eventID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) QueryBalance(_ context.Context, account string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return decimal.Zero, ErrUnavailable
	}
	acc, ok := m.accounts[account]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", account, ErrNotFound)
	}
	return acc.balance, nil
}

func (m *Memory) EventDetails(_ context.Context, eventID string) (EventMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return EventMetadata{}, ErrUnavailable
	}
	meta, ok := m.events[eventID]
	if !ok {
		return EventMetadata{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return meta, nil
}

func (m *Memory) IsAuthorizedOperator(_ context.Context, operator string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return false, ErrUnavailable
	}
	_, ok := m.operators[operator]
	return ok, nil
}

func (m *Memory) SubscribeEvents(_ context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	s := &memSubscription{
		owner:   m,
		ch:      make(chan Event, 256),
		faulted: make(chan struct{}),
	}
	m.subs[s] = struct{}{}
	return s, nil
}

func (m *Memory) SubmitCheckIn(_ context.Context, sub CheckInSubmission) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return Confirmation{}, ErrUnavailable
	}
	if _, ok := m.accounts[sub.Account]; !ok {
		return Confirmation{}, fmt.Errorf("account %s: %w", sub.Account, ErrNotFound)
	}

	rec := m.appendLocked(sub.Account, TransactionRecord{
		Counterparty: sub.Operator,
		Amount:       decimal.Zero,
		Kind:         KindPayment,
		Note:         CheckInNote(sub.EventID, sub.TicketNumber),
	})

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s", sub.Account, rec.Index, rec.Note)))
	return Confirmation{
		TxHash:      "0x" + hex.EncodeToString(sum[:]),
		BlockNumber: m.block,
		Index:       rec.Index,
	}, nil
}

// ── Subscription ─────────────────────────────────────────────────────────────

type memSubscription struct {
	owner     *Memory
	ch        chan Event
	faulted   chan struct{}
	faultOnce sync.Once
}

func (s *memSubscription) fault() {
	s.faultOnce.Do(func() { close(s.faulted) })
}

func (s *memSubscription) Next(ctx context.Context) (Event, error) {
	// Drain buffered events before reporting a fault.
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.faulted:
		return Event{}, fmt.Errorf("subscription dropped: %w", ErrUnavailable)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *memSubscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.fault()
	return nil
}

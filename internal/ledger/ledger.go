// Package ledger is the boundary to the authoritative append-only ledger.
// Nothing here caches or reinterprets ledger data; callers derive state
// from the records on every use.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound means the ledger has no such account or event.
	ErrNotFound = errors.New("ledger: not found")
	// ErrUnavailable means the ledger could not be reached or answered
	// with a transient failure. Callers may retry.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrMalformedEvent is returned by Subscription.Next for a single event
	// that could not be decoded. The stream itself is still healthy.
	ErrMalformedEvent = errors.New("ledger: malformed event")
)

type TransactionKind string

const (
	KindTopUp   TransactionKind = "TOPUP"
	KindPayment TransactionKind = "PAYMENT"
)

// TransactionRecord is one entry of an account's transaction log. Index is
// the only stable identity; records are never edited or removed.
type TransactionRecord struct {
	Index        uint64
	Timestamp    time.Time
	Counterparty string
	Amount       decimal.Decimal // raw ledger units
	Kind         TransactionKind
	Note         string
}

// PurchaseRecord is one ticket bought by an account for an event.
type PurchaseRecord struct {
	Account   string
	EventID   string
	Timestamp time.Time
}

type EventMetadata struct {
	ID     string
	Name   string
	Date   time.Time
	Venue  string
	Active bool
}

type EventType string

const (
	EventBalanceUpdated      EventType = "BalanceUpdated"
	EventTransactionRecorded EventType = "TransactionRecorded"
	EventPurchased           EventType = "EventPurchased"
)

// Event is a ledger notification. Which payload field is set depends on
// Type: Balance and UpdateKind for BalanceUpdated, Transaction for
// TransactionRecorded, EventID for EventPurchased. Sequence increases
// monotonically per ledger.
type Event struct {
	Type        EventType
	Account     string
	Sequence    uint64
	Balance     decimal.Decimal
	UpdateKind  string
	Transaction *TransactionRecord
	EventID     string
}

// CheckInSubmission asks the ledger to append a zero-amount PAYMENT tagged
// with the check-in note for TicketNumber.
type CheckInSubmission struct {
	Account      string
	EventID      string
	TicketNumber int
	Operator     string
}

type Confirmation struct {
	TxHash      string
	BlockNumber uint64
	Index       uint64
}

// Subscription is a pull-based stream of ledger events. Next blocks until
// an event arrives, the context ends, or the stream faults; after a fault
// every call returns an error wrapping ErrUnavailable.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Client is everything passkeeper needs from the ledger.
type Client interface {
	// QueryTransactions returns up to limit most recent records for
	// account, oldest first. limit <= 0 means no limit.
	QueryTransactions(ctx context.Context, account string, limit int) ([]TransactionRecord, error)
	// QueryPurchases returns the purchases of account, filtered to eventID
	// unless it is empty.
	QueryPurchases(ctx context.Context, account, eventID string) ([]PurchaseRecord, error)
	QueryBalance(ctx context.Context, account string) (decimal.Decimal, error)
	EventDetails(ctx context.Context, eventID string) (EventMetadata, error)
	IsAuthorizedOperator(ctx context.Context, operator string) (bool, error)
	SubscribeEvents(ctx context.Context) (Subscription, error)
	SubmitCheckIn(ctx context.Context, sub CheckInSubmission) (Confirmation, error)
}

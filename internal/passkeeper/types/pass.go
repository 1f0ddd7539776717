package types

import (
	"strings"
	"time"
)

// SerialPrefix is prepended to a ledger account to form a pass serial.
const SerialPrefix = "TOKEN-"

func SerialForAccount(account string) string { return SerialPrefix + account }

// AccountFromSerial reverses SerialForAccount.
func AccountFromSerial(serial string) (string, bool) {
	account, ok := strings.CutPrefix(serial, SerialPrefix)
	if !ok || account == "" {
		return "", false
	}
	return account, true
}

type LastTransaction struct {
	Amount    string    `json:"amount"`
	Kind      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type UpcomingEvent struct {
	ID    string    `json:"event_id"`
	Name  string    `json:"name,omitempty"`
	Date  time.Time `json:"date,omitzero"`
	Venue string    `json:"venue,omitempty"`
}

// PassState is the last known display state of a pass. UpdatedAt is the
// time the change was observed locally; Sequence is the ledger sequence
// of the write that produced it and breaks UpdatedAt ties.
type PassState struct {
	SerialNumber    string           `json:"serial_number"`
	Balance         string           `json:"balance"`
	LastTransaction *LastTransaction `json:"last_transaction,omitempty"`
	UpcomingEvent   *UpcomingEvent   `json:"upcoming_event,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Sequence        uint64           `json:"sequence"`
}

// PassFields is a partial pass update. Nil fields are left untouched.
type PassFields struct {
	Balance         *string
	LastTransaction *LastTransaction
	UpcomingEvent   *UpcomingEvent
	// BalanceUpdate names the kind of balance change (TOPUP, PAYMENT). It
	// travels with the push and is never stored.
	BalanceUpdate string
}

// Apply returns s with every set field of f copied over.
func (f PassFields) Apply(s PassState) PassState {
	if f.Balance != nil {
		s.Balance = *f.Balance
	}
	if f.LastTransaction != nil {
		lt := *f.LastTransaction
		s.LastTransaction = &lt
	}
	if f.UpcomingEvent != nil {
		ue := *f.UpcomingEvent
		s.UpcomingEvent = &ue
	}
	return s
}

// ── Wallet web service ───────────────────────────────────────────────────────

type RegisterRequest struct {
	PushToken string `json:"pushToken"`
}

type SerialsResponse struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

type LogRequest struct {
	Logs []string `json:"logs"`
}

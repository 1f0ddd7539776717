package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

var ErrNotFound = errors.New("store: not found")

// ── Pass state ───────────────────────────────────────────────────────────────

// PassStateUpdate is one observed change to a pass.
type PassStateUpdate struct {
	SerialNumber string
	Fields       types.PassFields
	ObservedAt   time.Time
	Sequence     uint64
}

// PassStateStore keeps the last known state of every pass. Upsert is
// last-writer-wins on ObservedAt with Sequence as the tie-breaker, so
// concurrent writers converge regardless of arrival order.
type PassStateStore interface {
	// Upsert merges u into the stored state. applied is false when u is
	// older than what is stored; the returned state is the stored one
	// either way.
	Upsert(ctx context.Context, u PassStateUpdate) (state types.PassState, applied bool, err error)
	Get(ctx context.Context, serial string) (types.PassState, error)
}

// Merge applies u on top of existing (nil when no state is stored yet).
// Timestamps are truncated to milliseconds, the precision every store
// persists, so the memory and sqlite stores decide identically.
//
// When both sides carry a ledger sequence, the sequence alone orders them:
// a replayed or reordered event never overwrites a later one. Otherwise
// the later observation wins and equal times fall back to the sequence.
// The stored sequence only moves forward, so an unsequenced write such as
// a resync does not reopen the door for old events.
func Merge(existing *types.PassState, u PassStateUpdate) (types.PassState, bool) {
	at := u.ObservedAt.UTC().Truncate(time.Millisecond)

	if existing == nil {
		s := u.Fields.Apply(types.PassState{SerialNumber: u.SerialNumber, Balance: "0"})
		s.UpdatedAt = at
		s.Sequence = u.Sequence
		return s, true
	}

	if u.Sequence != 0 && existing.Sequence != 0 && u.Sequence <= existing.Sequence {
		return *existing, false
	}
	newer := at.After(existing.UpdatedAt) ||
		(at.Equal(existing.UpdatedAt) && u.Sequence > existing.Sequence)
	if !newer {
		return *existing, false
	}

	s := u.Fields.Apply(*existing)
	s.UpdatedAt = at
	s.Sequence = max(existing.Sequence, u.Sequence)
	return s, true
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// SubscriptionRecord links a device to a pass it wants pushes for. The
// (DeviceID, PassTypeID, SerialNumber) triple is unique.
type SubscriptionRecord struct {
	DeviceID     string
	PassTypeID   string
	SerialNumber string
	PushToken    string
	CreatedAt    time.Time
	LastUpdated  time.Time
}

type SubscriptionStore interface {
	// Upsert creates the subscription or refreshes the push token and
	// LastUpdated of the existing one. created reports which happened.
	Upsert(ctx context.Context, rec SubscriptionRecord) (created bool, err error)
	// Delete removes the subscription; existed is false when there was
	// nothing to remove.
	Delete(ctx context.Context, deviceID, passTypeID, serial string) (existed bool, err error)
	ListBySerial(ctx context.Context, serial string) ([]SubscriptionRecord, error)
	ListByDevice(ctx context.Context, deviceID, passTypeID string) ([]SubscriptionRecord, error)
	// ListSerials returns every distinct subscribed serial, sorted.
	ListSerials(ctx context.Context) ([]string, error)
	// PruneOlderThan deletes subscriptions with LastUpdated strictly
	// before cutoff.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Check-in log ─────────────────────────────────────────────────────────────

// CheckInAttemptRecord captures one check-in decision for the audit log.
type CheckInAttemptRecord struct {
	Account      string
	EventID      string
	Operator     string
	Location     string
	Purchased    int
	Used         int
	Granted      bool
	Reason       string
	TicketNumber int    // zero unless granted
	TxHash       string // empty unless granted
	AttemptedAt  time.Time
}

// CheckInLog persists check-in attempts as an append-only audit log.
type CheckInLog interface {
	RecordAttempt(ctx context.Context, rec CheckInAttemptRecord) error
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
)

// CheckInLog keeps check-in decisions in arrival order. Records are
// normalized the way the sqlite log stores them: AttemptedAt defaults to
// now and is kept at millisecond precision, and a denied attempt never
// carries a ticket number or transaction hash.
type CheckInLog struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts []store.CheckInAttemptRecord
}

func NewCheckInLog() *CheckInLog {
	return &CheckInLog{now: time.Now}
}

func (l *CheckInLog) RecordAttempt(_ context.Context, rec store.CheckInAttemptRecord) error {
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = l.now()
	}
	rec.AttemptedAt = rec.AttemptedAt.UTC().Truncate(time.Millisecond)
	if !rec.Granted {
		rec.TicketNumber = 0
		rec.TxHash = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, rec)
	return nil
}

// Attempts returns a copy of the log, oldest first.
func (l *CheckInLog) Attempts() []store.CheckInAttemptRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.CheckInAttemptRecord, len(l.attempts))
	copy(out, l.attempts)
	return out
}

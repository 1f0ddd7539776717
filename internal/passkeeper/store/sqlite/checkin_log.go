package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Passkeeper/server/internal/db"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
)

type CheckInLog struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCheckInLog(db *sql.DB, writer *dbpkg.Worker) *CheckInLog {
	return &CheckInLog{db: db, writer: writer}
}

func (l *CheckInLog) RecordAttempt(ctx context.Context, rec store.CheckInAttemptRecord) error {
	if rec.AttemptedAt.IsZero() {
		rec.AttemptedAt = time.Now().UTC()
	}

	var granted int
	if rec.Granted {
		granted = 1
	}

	var location, ticket, txHash any
	if rec.Location != "" {
		location = rec.Location
	}
	if rec.TicketNumber > 0 {
		ticket = rec.TicketNumber
	}
	if rec.TxHash != "" {
		txHash = rec.TxHash
	}

	return l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO check_in_attempts(
  account, event_id, operator, location, purchased, used,
  granted, reason, ticket_number, tx_hash, attempted_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.Account, rec.EventID, rec.Operator, location, rec.Purchased, rec.Used,
			granted, rec.Reason, ticket, txHash, rec.AttemptedAt.UTC().UnixMilli(),
		); err != nil {
			return fmt.Errorf("RecordAttempt insert: %w", err)
		}
		return nil
	})
}

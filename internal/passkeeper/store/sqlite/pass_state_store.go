package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Passkeeper/server/internal/db"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

type PassStateStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPassStateStore(db *sql.DB, writer *dbpkg.Worker) *PassStateStore {
	return &PassStateStore{db: db, writer: writer}
}

const selectPassState = `
SELECT serial_number, balance,
       last_tx_amount, last_tx_kind, last_tx_at_ms,
       upcoming_event_id, upcoming_event_name, upcoming_event_at_ms, upcoming_event_venue,
       updated_at_ms, sequence
FROM pass_states WHERE serial_number = ?;`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPassState(row rowScanner) (types.PassState, error) {
	var (
		s                     types.PassState
		txAmount, txKind      sql.NullString
		txAt                  sql.NullInt64
		evID, evName, evVenue sql.NullString
		evAt                  sql.NullInt64
		updatedMs             int64
		seq                   int64
	)
	if err := row.Scan(
		&s.SerialNumber, &s.Balance,
		&txAmount, &txKind, &txAt,
		&evID, &evName, &evAt, &evVenue,
		&updatedMs, &seq,
	); err != nil {
		return types.PassState{}, err
	}

	if txKind.Valid {
		s.LastTransaction = &types.LastTransaction{
			Amount:    txAmount.String,
			Kind:      txKind.String,
			Timestamp: fromMs(txAt),
		}
	}
	if evID.Valid {
		s.UpcomingEvent = &types.UpcomingEvent{
			ID:    evID.String,
			Name:  evName.String,
			Date:  fromMs(evAt),
			Venue: evVenue.String,
		}
	}
	s.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	s.Sequence = uint64(seq)
	return s, nil
}

func (s *PassStateStore) Get(ctx context.Context, serial string) (types.PassState, error) {
	st, err := scanPassState(s.db.QueryRowContext(ctx, selectPassState, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return types.PassState{}, store.ErrNotFound
	}
	if err != nil {
		return types.PassState{}, fmt.Errorf("Get: %w", err)
	}
	return st, nil
}

// Upsert reads, merges and writes inside one writer transaction, so two
// concurrent updates for the same serial are merged one after the other.
func (s *PassStateStore) Upsert(ctx context.Context, u store.PassStateUpdate) (types.PassState, bool, error) {
	var (
		merged  types.PassState
		applied bool
	)

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existing *types.PassState
		cur, err := scanPassState(tx.QueryRowContext(ctx, selectPassState, u.SerialNumber))
		switch {
		case err == nil:
			existing = &cur
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("Upsert read: %w", err)
		}

		merged, applied = store.Merge(existing, u)
		if !applied {
			return nil
		}

		var txAmount, txKind, txAt any
		if lt := merged.LastTransaction; lt != nil {
			txAmount, txKind, txAt = lt.Amount, lt.Kind, toMs(lt.Timestamp)
		}
		var evID, evName, evAt, evVenue any
		if ue := merged.UpcomingEvent; ue != nil {
			evID, evName, evAt, evVenue = ue.ID, ue.Name, toMs(ue.Date), ue.Venue
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO pass_states(
  serial_number, balance,
  last_tx_amount, last_tx_kind, last_tx_at_ms,
  upcoming_event_id, upcoming_event_name, upcoming_event_at_ms, upcoming_event_venue,
  updated_at_ms, sequence
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(serial_number) DO UPDATE SET
  balance = excluded.balance,
  last_tx_amount = excluded.last_tx_amount,
  last_tx_kind = excluded.last_tx_kind,
  last_tx_at_ms = excluded.last_tx_at_ms,
  upcoming_event_id = excluded.upcoming_event_id,
  upcoming_event_name = excluded.upcoming_event_name,
  upcoming_event_at_ms = excluded.upcoming_event_at_ms,
  upcoming_event_venue = excluded.upcoming_event_venue,
  updated_at_ms = excluded.updated_at_ms,
  sequence = excluded.sequence;
`,
			merged.SerialNumber, merged.Balance,
			txAmount, txKind, txAt,
			evID, evName, evAt, evVenue,
			merged.UpdatedAt.UnixMilli(), int64(merged.Sequence),
		); err != nil {
			return fmt.Errorf("Upsert write: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.PassState{}, false, err
	}
	return merged, applied, nil
}

// toMs stores zero times as NULL.
func toMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMs(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

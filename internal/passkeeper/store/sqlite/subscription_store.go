package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Passkeeper/server/internal/db"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
)

type SubscriptionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSubscriptionStore(db *sql.DB, writer *dbpkg.Worker) *SubscriptionStore {
	return &SubscriptionStore{db: db, writer: writer}
}

func (s *SubscriptionStore) Upsert(ctx context.Context, rec store.SubscriptionRecord) (bool, error) {
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastUpdated
	}
	updatedMs := rec.LastUpdated.UTC().UnixMilli()
	createdMs := rec.CreatedAt.UTC().UnixMilli()

	var created bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE subscriptions SET push_token = ?, last_updated_ms = ?
WHERE device_id = ? AND pass_type_id = ? AND serial_number = ?;
`, rec.PushToken, updatedMs, rec.DeviceID, rec.PassTypeID, rec.SerialNumber)
		if err != nil {
			return fmt.Errorf("Upsert update: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO subscriptions(
  device_id, pass_type_id, serial_number, push_token, created_at_ms, last_updated_ms
) VALUES (?, ?, ?, ?, ?, ?);
`, rec.DeviceID, rec.PassTypeID, rec.SerialNumber, rec.PushToken, createdMs, updatedMs); err != nil {
			return fmt.Errorf("Upsert insert: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, deviceID, passTypeID, serial string) (bool, error) {
	var existed bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM subscriptions
WHERE device_id = ? AND pass_type_id = ? AND serial_number = ?;
`, deviceID, passTypeID, serial)
		if err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
		n, _ := res.RowsAffected()
		existed = n > 0
		return nil
	})
	return existed, err
}

const selectSubscriptions = `
SELECT device_id, pass_type_id, serial_number, push_token, created_at_ms, last_updated_ms
FROM subscriptions `

func (s *SubscriptionStore) ListBySerial(ctx context.Context, serial string) ([]store.SubscriptionRecord, error) {
	return s.query(ctx, "ListBySerial",
		selectSubscriptions+`WHERE serial_number = ? ORDER BY device_id;`, serial)
}

func (s *SubscriptionStore) ListByDevice(ctx context.Context, deviceID, passTypeID string) ([]store.SubscriptionRecord, error) {
	return s.query(ctx, "ListByDevice",
		selectSubscriptions+`WHERE device_id = ? AND pass_type_id = ? ORDER BY serial_number;`, deviceID, passTypeID)
}

func (s *SubscriptionStore) query(ctx context.Context, op, q string, args ...any) ([]store.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []store.SubscriptionRecord
	for rows.Next() {
		var (
			r                    store.SubscriptionRecord
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&r.DeviceID, &r.PassTypeID, &r.SerialNumber, &r.PushToken, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		r.CreatedAt = time.UnixMilli(createdMs).UTC()
		r.LastUpdated = time.UnixMilli(updatedMs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return out, nil
}

func (s *SubscriptionStore) ListSerials(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT serial_number FROM subscriptions ORDER BY serial_number;`)
	if err != nil {
		return nil, fmt.Errorf("ListSerials: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, fmt.Errorf("ListSerials scan: %w", err)
		}
		out = append(out, serial)
	}
	return out, rows.Err()
}

func (s *SubscriptionStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE last_updated_ms < ?;`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

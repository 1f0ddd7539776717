package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Serials get an initial zero-balance pass state so the latest-pass
	// endpoint has something to render before the first ledger event.
	Serials []string
}

// SeedDev inserts starter rows for local development. Existing rows are
// never touched.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	for _, serial := range opt.Serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO pass_states(serial_number, balance, updated_at_ms, sequence)
VALUES (?, '0', ?, 0);`, serial, now); err != nil {
			return fmt.Errorf("seed pass state %s: %w", serial, err)
		}
	}

	return nil
}

package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	sqlitestore "github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store/sqlite"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

func strp(s string) *string { return &s }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ═══════════════════════════════════════════════════════════════════════════
// Get / Upsert round trip
// ═══════════════════════════════════════════════════════════════════════════

func TestPassStateStore_GetMissing(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPassStateStore(conn, newTestWriter(t, conn))

	_, err := ps.Get(context.Background(), "TOKEN-404")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPassStateStore_UpsertAllFields(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPassStateStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	eventDate := time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC)
	_, applied, err := ps.Upsert(ctx, store.PassStateUpdate{
		SerialNumber: "TOKEN-7",
		Fields: types.PassFields{
			Balance:         strp("1000"),
			LastTransaction: &types.LastTransaction{Amount: "25", Kind: "PAYMENT", Timestamp: t0},
			UpcomingEvent:   &types.UpcomingEvent{ID: "42", Name: "Gala", Date: eventDate, Venue: "Hall A"},
		},
		ObservedAt: t0,
		Sequence:   4,
	})
	if err != nil || !applied {
		t.Fatalf("Upsert: applied=%v err=%v", applied, err)
	}

	got, err := ps.Get(ctx, "TOKEN-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Balance != "1000" || got.Sequence != 4 || !got.UpdatedAt.Equal(t0) {
		t.Errorf("unexpected state %+v", got)
	}
	if got.LastTransaction == nil || got.LastTransaction.Amount != "25" || !got.LastTransaction.Timestamp.Equal(t0) {
		t.Errorf("unexpected last transaction %+v", got.LastTransaction)
	}
	if got.UpcomingEvent == nil || got.UpcomingEvent.Venue != "Hall A" || !got.UpcomingEvent.Date.Equal(eventDate) {
		t.Errorf("unexpected upcoming event %+v", got.UpcomingEvent)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Last-writer-wins
// ═══════════════════════════════════════════════════════════════════════════

func TestPassStateStore_StaleUpdateIgnored(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPassStateStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	_, _, _ = ps.Upsert(ctx, store.PassStateUpdate{SerialNumber: "TOKEN-7", Fields: types.PassFields{Balance: strp("900")}, ObservedAt: t0})

	state, applied, err := ps.Upsert(ctx, store.PassStateUpdate{
		SerialNumber: "TOKEN-7",
		Fields:       types.PassFields{Balance: strp("1000")},
		ObservedAt:   t0.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if applied {
		t.Error("expected stale update to be ignored")
	}
	if state.Balance != "900" {
		t.Errorf("expected stored balance 900 returned, got %s", state.Balance)
	}
}

func TestPassStateStore_ConcurrentWritersConverge(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPassStateStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bal := time.Duration(i).String()
			_, _, _ = ps.Upsert(ctx, store.PassStateUpdate{
				SerialNumber: "TOKEN-7",
				Fields:       types.PassFields{Balance: &bal},
				ObservedAt:   t0.Add(time.Duration(i) * time.Millisecond),
			})
		}(i)
	}
	wg.Wait()

	got, err := ps.Get(ctx, "TOKEN-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := time.Duration(19).String(); got.Balance != want {
		t.Errorf("expected newest write %q to win, got %q", want, got.Balance)
	}
}

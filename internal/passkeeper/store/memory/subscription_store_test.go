package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSubscriptionStore_ReRegistrationUpdatesInPlace(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()

	created, err := s.Upsert(ctx, store.SubscriptionRecord{
		DeviceID: "d1", PassTypeID: "pass.gold", SerialNumber: "TOKEN-7", PushToken: "old", LastUpdated: now,
	})
	if err != nil || !created {
		t.Fatalf("first Upsert: created=%v err=%v", created, err)
	}

	created, err = s.Upsert(ctx, store.SubscriptionRecord{
		DeviceID: "d1", PassTypeID: "pass.gold", SerialNumber: "TOKEN-7", PushToken: "new", LastUpdated: now.Add(time.Hour),
	})
	if err != nil || created {
		t.Fatalf("second Upsert: created=%v err=%v", created, err)
	}

	subs, _ := s.ListBySerial(ctx, "TOKEN-7")
	if len(subs) != 1 {
		t.Fatalf("expected exactly 1 subscription, got %d", len(subs))
	}
	if subs[0].PushToken != "new" {
		t.Errorf("expected push token new, got %q", subs[0].PushToken)
	}
	if !subs[0].LastUpdated.Equal(now.Add(time.Hour)) {
		t.Errorf("expected last updated refreshed, got %v", subs[0].LastUpdated)
	}
	if !subs[0].CreatedAt.Equal(now) {
		t.Errorf("expected created at kept, got %v", subs[0].CreatedAt)
	}
}

func TestSubscriptionStore_DeleteReportsExistence(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()

	existed, _ := s.Delete(ctx, "d1", "pass.gold", "TOKEN-7")
	if existed {
		t.Error("expected existed=false on empty store")
	}

	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "d1", PassTypeID: "pass.gold", SerialNumber: "TOKEN-7"})
	existed, _ = s.Delete(ctx, "d1", "pass.gold", "TOKEN-7")
	if !existed {
		t.Error("expected existed=true")
	}
}

func TestSubscriptionStore_PruneBoundary(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()
	cutoff := now.AddDate(0, 0, -30)

	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "old", PassTypeID: "p", SerialNumber: "TOKEN-1", LastUpdated: cutoff.Add(-time.Millisecond)})
	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "edge", PassTypeID: "p", SerialNumber: "TOKEN-2", LastUpdated: cutoff})
	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "new", PassTypeID: "p", SerialNumber: "TOKEN-3", LastUpdated: now})

	n, err := s.PruneOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}

	serials, _ := s.ListSerials(ctx)
	if len(serials) != 2 || serials[0] != "TOKEN-2" || serials[1] != "TOKEN-3" {
		t.Errorf("expected [TOKEN-2 TOKEN-3], got %v", serials)
	}
}

func TestSubscriptionStore_PruneUnalignedCutoff(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()
	base := now.AddDate(0, 0, -30).Truncate(time.Millisecond)

	// Stored as base; updated after the cutoff, so it must survive.
	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "d", PassTypeID: "p", SerialNumber: "TOKEN-1", LastUpdated: base.Add(900 * time.Microsecond)})

	n, err := s.PruneOlderThan(ctx, base.Add(500*time.Microsecond))
	if err != nil {
		t.Fatalf("PruneOlderThan: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing pruned, got %d", n)
	}
}

func TestSubscriptionStore_ListByDeviceFiltersPassType(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()

	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "d1", PassTypeID: "pass.gold", SerialNumber: "TOKEN-1"})
	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "d1", PassTypeID: "pass.black", SerialNumber: "TOKEN-2"})
	_, _ = s.Upsert(ctx, store.SubscriptionRecord{DeviceID: "d2", PassTypeID: "pass.gold", SerialNumber: "TOKEN-3"})

	subs, _ := s.ListByDevice(ctx, "d1", "pass.gold")
	if len(subs) != 1 || subs[0].SerialNumber != "TOKEN-1" {
		t.Errorf("expected only TOKEN-1, got %+v", subs)
	}
}

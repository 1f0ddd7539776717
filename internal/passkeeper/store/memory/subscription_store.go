package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
)

type subKey struct {
	device, passType, serial string
}

// SubscriptionStore is an in-memory subscription table for tests and dev.
type SubscriptionStore struct {
	mu   sync.RWMutex
	subs map[subKey]store.SubscriptionRecord
}

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[subKey]store.SubscriptionRecord)}
}

func (s *SubscriptionStore) Upsert(_ context.Context, rec store.SubscriptionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	rec.LastUpdated = rec.LastUpdated.UTC().Truncate(time.Millisecond)

	k := subKey{rec.DeviceID, rec.PassTypeID, rec.SerialNumber}
	if cur, ok := s.subs[k]; ok {
		cur.PushToken = rec.PushToken
		cur.LastUpdated = rec.LastUpdated
		s.subs[k] = cur
		return false, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastUpdated
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	s.subs[k] = rec
	return true, nil
}

func (s *SubscriptionStore) Delete(_ context.Context, deviceID, passTypeID, serial string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := subKey{deviceID, passTypeID, serial}
	_, ok := s.subs[k]
	delete(s.subs, k)
	return ok, nil
}

func (s *SubscriptionStore) ListBySerial(_ context.Context, serial string) ([]store.SubscriptionRecord, error) {
	return s.filter(func(r store.SubscriptionRecord) bool { return r.SerialNumber == serial }), nil
}

func (s *SubscriptionStore) ListByDevice(_ context.Context, deviceID, passTypeID string) ([]store.SubscriptionRecord, error) {
	return s.filter(func(r store.SubscriptionRecord) bool {
		return r.DeviceID == deviceID && r.PassTypeID == passTypeID
	}), nil
}

func (s *SubscriptionStore) ListSerials(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range s.subs {
		seen[k.serial] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for serial := range seen {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SubscriptionStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = cutoff.UTC().Truncate(time.Millisecond)

	var n int64
	for k, r := range s.subs {
		if r.LastUpdated.Before(cutoff) {
			delete(s.subs, k)
			n++
		}
	}
	return n, nil
}

// filter returns matching records ordered by device then serial.
func (s *SubscriptionStore) filter(match func(store.SubscriptionRecord) bool) []store.SubscriptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.SubscriptionRecord
	for _, r := range s.subs {
		if match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out
}

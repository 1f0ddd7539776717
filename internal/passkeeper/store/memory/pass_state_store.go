package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

type PassStateStore struct {
	mu     sync.RWMutex
	states map[string]types.PassState
}

func NewPassStateStore() *PassStateStore {
	return &PassStateStore{states: make(map[string]types.PassState)}
}

func (s *PassStateStore) Upsert(_ context.Context, u store.PassStateUpdate) (types.PassState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *types.PassState
	if cur, ok := s.states[u.SerialNumber]; ok {
		existing = &cur
	}
	merged, applied := store.Merge(existing, u)
	if applied {
		s.states[u.SerialNumber] = merged
	}
	return merged, applied, nil
}

func (s *PassStateStore) Get(_ context.Context, serial string) (types.PassState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[serial]
	if !ok {
		return types.PassState{}, store.ErrNotFound
	}
	return st, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/pkpass"
)

// PassArtifact is a rendered .pkpass archive.
type PassArtifact struct {
	Data         []byte
	LastModified time.Time
}

// PassService serves the latest signed pass built from stored state.
type PassService struct {
	states  store.PassStateStore
	builder *pkpass.Builder
}

func NewPassService(states store.PassStateStore, builder *pkpass.Builder) *PassService {
	return &PassService{states: states, builder: builder}
}

// LatestPass builds the pass for serial. When the stored state has not
// changed since ifModifiedSince (second precision, as in HTTP dates) it
// returns notModified and no data.
func (s *PassService) LatestPass(
	ctx context.Context,
	passTypeID, serial string,
	ifModifiedSince time.Time,
) (art PassArtifact, notModified bool, err error) {
	passTypeID = strings.TrimSpace(passTypeID)
	serial = strings.TrimSpace(serial)
	if passTypeID == "" {
		return PassArtifact{}, false, ErrInvalidPassType
	}
	if serial == "" {
		return PassArtifact{}, false, ErrInvalidSerial
	}

	st, err := s.states.Get(ctx, serial)
	if errors.Is(err, store.ErrNotFound) {
		return PassArtifact{}, false, fmt.Errorf("pass %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return PassArtifact{}, false, fmt.Errorf("get %s: %w: %w", serial, ErrPersistence, err)
	}

	lastMod := st.UpdatedAt.UTC().Truncate(time.Second)
	if !ifModifiedSince.IsZero() && !lastMod.After(ifModifiedSince) {
		return PassArtifact{LastModified: lastMod}, true, nil
	}

	data, err := s.builder.Build(passTypeID, st)
	if errors.Is(err, pkpass.ErrUnknownPassType) {
		return PassArtifact{}, false, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return PassArtifact{}, false, err
	}
	return PassArtifact{Data: data, LastModified: lastMod}, false, nil
}

// State returns the stored pass state for serial.
func (s *PassService) State(ctx context.Context, serial string) (types.PassState, error) {
	st, err := s.states.Get(ctx, strings.TrimSpace(serial))
	if errors.Is(err, store.ErrNotFound) {
		return types.PassState{}, fmt.Errorf("pass %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return types.PassState{}, fmt.Errorf("get %s: %w: %w", serial, ErrPersistence, err)
	}
	return st, nil
}

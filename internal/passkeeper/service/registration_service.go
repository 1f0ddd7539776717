package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

type RegistrationServiceConfig struct {
	Subscriptions store.SubscriptionStore
	PassStates    store.PassStateStore
	Clock         clockwork.Clock
	Logger        *zap.Logger
}

// RegistrationService handles device registrations for pass updates.
type RegistrationService struct {
	subs   store.SubscriptionStore
	states store.PassStateStore
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewRegistrationService(cfg RegistrationServiceConfig) *RegistrationService {
	s := &RegistrationService{
		subs:   cfg.Subscriptions,
		states: cfg.PassStates,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Register subscribes deviceID to serial. Registering again refreshes the
// push token and LastUpdated of the existing record.
func (s *RegistrationService) Register(ctx context.Context, deviceID, passTypeID, serial, pushToken string) (bool, error) {
	deviceID, passTypeID, serial, err := validateKey(deviceID, passTypeID, serial)
	if err != nil {
		return false, err
	}
	pushToken = strings.TrimSpace(pushToken)
	if pushToken == "" {
		return false, ErrInvalidToken
	}

	now := s.clock.Now().UTC()
	created, err := s.subs.Upsert(ctx, store.SubscriptionRecord{
		DeviceID:     deviceID,
		PassTypeID:   passTypeID,
		SerialNumber: serial,
		PushToken:    pushToken,
		CreatedAt:    now,
		LastUpdated:  now,
	})
	if err != nil {
		return false, fmt.Errorf("register: %w: %w", ErrPersistence, err)
	}

	s.logger.Info("device registered",
		zap.String("device_id", deviceID),
		zap.String("pass_type_id", passTypeID),
		zap.String("serial", serial),
		zap.Bool("created", created),
	)
	return created, nil
}

// Unregister removes the subscription. Removing one that does not exist is
// not an error; existed reports which case it was.
func (s *RegistrationService) Unregister(ctx context.Context, deviceID, passTypeID, serial string) (bool, error) {
	deviceID, passTypeID, serial, err := validateKey(deviceID, passTypeID, serial)
	if err != nil {
		return false, err
	}

	existed, err := s.subs.Delete(ctx, deviceID, passTypeID, serial)
	if err != nil {
		return false, fmt.Errorf("unregister: %w: %w", ErrPersistence, err)
	}
	if existed {
		s.logger.Info("device unregistered",
			zap.String("device_id", deviceID),
			zap.String("pass_type_id", passTypeID),
			zap.String("serial", serial),
		)
	}
	return existed, nil
}

// SerialsNeedingUpdate lists the serials deviceID holds for passTypeID
// whose pass state changed after since. An empty since lists every
// registered serial. lastUpdated is the tag to send back next time.
func (s *RegistrationService) SerialsNeedingUpdate(ctx context.Context, deviceID, passTypeID, since string) (types.SerialsResponse, error) {
	deviceID = strings.TrimSpace(deviceID)
	passTypeID = strings.TrimSpace(passTypeID)
	if deviceID == "" {
		return types.SerialsResponse{}, ErrInvalidDeviceID
	}
	if passTypeID == "" {
		return types.SerialsResponse{}, ErrInvalidPassType
	}

	var sinceT time.Time
	if since = strings.TrimSpace(since); since != "" {
		t, err := ParseUpdateTag(since)
		if err != nil {
			return types.SerialsResponse{}, err
		}
		sinceT = t
	}

	subs, err := s.subs.ListByDevice(ctx, deviceID, passTypeID)
	if err != nil {
		return types.SerialsResponse{}, fmt.Errorf("list registrations: %w: %w", ErrPersistence, err)
	}

	resp := types.SerialsResponse{SerialNumbers: []string{}}
	latest := sinceT
	for _, sub := range subs {
		st, err := s.states.Get(ctx, sub.SerialNumber)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if since == "" {
				resp.SerialNumbers = append(resp.SerialNumbers, sub.SerialNumber)
			}
			continue
		case err != nil:
			return types.SerialsResponse{}, fmt.Errorf("get %s: %w: %w", sub.SerialNumber, ErrPersistence, err)
		}

		if since != "" && !st.UpdatedAt.After(sinceT) {
			continue
		}
		resp.SerialNumbers = append(resp.SerialNumbers, sub.SerialNumber)
		if st.UpdatedAt.After(latest) {
			latest = st.UpdatedAt
		}
	}

	if latest.IsZero() {
		latest = s.clock.Now()
	}
	resp.LastUpdated = FormatUpdateTag(latest)
	return resp, nil
}

// FormatUpdateTag renders the passesUpdatedSince tag handed to devices.
func FormatUpdateTag(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func ParseUpdateTag(tag string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, tag)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidSince, tag)
	}
	return t.UTC(), nil
}

func validateKey(deviceID, passTypeID, serial string) (string, string, string, error) {
	deviceID = strings.TrimSpace(deviceID)
	passTypeID = strings.TrimSpace(passTypeID)
	serial = strings.TrimSpace(serial)

	switch {
	case deviceID == "":
		return "", "", "", ErrInvalidDeviceID
	case passTypeID == "":
		return "", "", "", ErrInvalidPassType
	case serial == "":
		return "", "", "", ErrInvalidSerial
	}
	if _, ok := types.AccountFromSerial(serial); !ok {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidSerial, serial)
	}
	return deviceID, passTypeID, serial, nil
}

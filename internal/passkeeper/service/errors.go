package service

import (
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

var (
	ErrInvalidAccount  = errors.New("account is required")
	ErrInvalidEventID  = errors.New("event_id is required")
	ErrInvalidOperator = errors.New("operator is required")
	ErrInvalidDeviceID = errors.New("device id is required")
	ErrInvalidPassType = errors.New("pass type id is required")
	ErrInvalidSerial   = errors.New("serial number is required")
	ErrInvalidToken    = errors.New("push token is required")
	ErrInvalidSince    = errors.New("passesUpdatedSince is not a valid tag")

	// ErrNotFound means the ledger, or the pass state store, has no such
	// account, event or pass.
	ErrNotFound             = errors.New("not found")
	ErrUnauthorizedOperator = errors.New("operator is not authorized")
	ErrInsufficientAccess   = errors.New("no ticket purchased for event")
	ErrNoRemainingTickets   = errors.New("no remaining tickets")
	ErrEventInactive        = errors.New("event is not active")
	// ErrLedgerUnavailable is retryable.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrPersistence       = errors.New("persistence failure")
)

// AccessError is a business-rule rejection of a check-in. It wraps
// ErrInsufficientAccess or ErrNoRemainingTickets and carries the derived
// counts so callers can show them.
type AccessError struct {
	Err   error
	State types.AccessState
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%v (purchased=%d, used=%d)", e.Err, e.State.Purchased, e.State.Used)
}

func (e *AccessError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	for _, v := range []error{
		ErrInvalidAccount, ErrInvalidEventID, ErrInvalidOperator,
		ErrInvalidDeviceID, ErrInvalidPassType, ErrInvalidSerial,
		ErrInvalidToken, ErrInvalidSince,
	} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}

// Package push delivers pass-update notifications to Wallet devices.
package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Message tells one device that a pass changed. Changed carries the new
// values of the fields that moved; the device fetches the full pass
// afterwards.
type Message struct {
	DeviceID     string
	Token        string
	PassTypeID   string
	SerialNumber string
	Changed      map[string]string
}

// Pusher delivers a single message. Implementations must be safe for
// concurrent use.
type Pusher interface {
	Push(ctx context.Context, msg Message) error
}

// DeliveryError is a delivery rejected by the push service.
type DeliveryError struct {
	StatusCode int
	Reason     string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push rejected: status %d: %s", e.StatusCode, e.Reason)
}

// Unregistered reports whether the token is no longer valid for the topic.
func (e *DeliveryError) Unregistered() bool {
	return e.StatusCode == 410 || e.Reason == "Unregistered" || e.Reason == "BadDeviceToken"
}

// LogPusher only logs. Used in dev when no push certificate is configured.
type LogPusher struct {
	Logger *zap.Logger
}

func (p LogPusher) Push(_ context.Context, msg Message) error {
	if p.Logger != nil {
		p.Logger.Info("push (log only)",
			zap.String("device_id", msg.DeviceID),
			zap.String("pass_type_id", msg.PassTypeID),
			zap.String("serial", msg.SerialNumber),
			zap.Any("changed", msg.Changed),
		)
	}
	return nil
}

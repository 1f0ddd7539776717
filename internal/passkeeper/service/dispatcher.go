package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/push"
)

type DeliveryFailure struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
	// Unregistered is set when the push service no longer accepts the
	// device token. The subscription stays until the device unregisters.
	Unregistered bool `json:"unregistered,omitempty"`
}

// DispatchReport summarises one fan-out. Attempted equals Succeeded plus
// len(Failed).
type DispatchReport struct {
	SerialNumber string            `json:"serial_number"`
	Attempted    int               `json:"attempted"`
	Succeeded    int               `json:"succeeded"`
	Failed       []DeliveryFailure `json:"failed,omitempty"`
}

type DispatcherConfig struct {
	Subscriptions store.SubscriptionStore
	Pusher        push.Pusher
	// Concurrency caps deliveries in flight for one dispatch. Defaults to 16.
	Concurrency int
	// DeliveryTimeout bounds each delivery. Defaults to 10s.
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
}

// Dispatcher pushes one pass change to every device subscribed to it.
type Dispatcher struct {
	subs        store.SubscriptionStore
	pusher      push.Pusher
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		subs:        cfg.Subscriptions,
		pusher:      cfg.Pusher,
		concurrency: cfg.Concurrency,
		timeout:     cfg.DeliveryTimeout,
		logger:      cfg.Logger,
	}
	if d.concurrency <= 0 {
		d.concurrency = 16
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d
}

// Dispatch delivers fields to every subscription of serial. Each delivery
// is independent: a failure is recorded in the report and never stops the
// others. The error is non-nil only when the subscriptions could not be
// read. Having no subscribers yields an empty report.
func (d *Dispatcher) Dispatch(ctx context.Context, serial string, fields types.PassFields) (DispatchReport, error) {
	report := DispatchReport{SerialNumber: serial}

	subs, err := d.subs.ListBySerial(ctx, serial)
	if err != nil {
		return report, fmt.Errorf("list subscriptions for %s: %w: %w", serial, ErrPersistence, err)
	}
	if len(subs) == 0 {
		return report, nil
	}

	changed := ChangedFields(fields)
	results := make([]error, len(subs))

	// Deliveries report through results, so the group never cancels.
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			results[i] = d.pusher.Push(dctx, push.Message{
				DeviceID:     sub.DeviceID,
				Token:        sub.PushToken,
				PassTypeID:   sub.PassTypeID,
				SerialNumber: serial,
				Changed:      changed,
			})
			return nil
		})
	}
	_ = g.Wait()

	report.Attempted = len(subs)
	for i, err := range results {
		if err == nil {
			report.Succeeded++
			continue
		}
		f := DeliveryFailure{
			DeviceID: subs[i].DeviceID,
			Reason:   failureReason(err),
		}
		var de *push.DeliveryError
		if errors.As(err, &de) && de.Unregistered() {
			f.Unregistered = true
			d.logger.Info("push token no longer registered",
				zap.String("serial", serial),
				zap.String("device_id", f.DeviceID),
				zap.String("reason", f.Reason),
			)
		} else {
			d.logger.Warn("push delivery failed",
				zap.String("serial", serial),
				zap.String("device_id", f.DeviceID),
				zap.Error(err),
			)
		}
		report.Failed = append(report.Failed, f)
	}
	return report, nil
}

// ChangedFields flattens a partial update into the key/value pairs carried
// in the push payload.
func ChangedFields(f types.PassFields) map[string]string {
	out := make(map[string]string, 4)
	if f.Balance != nil {
		out["balance"] = *f.Balance
		if f.BalanceUpdate != "" {
			out["balance_update"] = f.BalanceUpdate
		}
	}
	if lt := f.LastTransaction; lt != nil {
		out["last_transaction"] = lt.Kind + " " + lt.Amount
	}
	if ue := f.UpcomingEvent; ue != nil {
		if ue.Name != "" {
			out["upcoming_event"] = ue.Name
		} else {
			out["upcoming_event"] = ue.ID
		}
	}
	return out
}

func failureReason(err error) string {
	var de *push.DeliveryError
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

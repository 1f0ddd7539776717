package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

type ConsumerState int32

const (
	StateDisconnected ConsumerState = iota
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ConsumerState(%d)", int32(s))
	}
}

// FormatBalance renders raw ledger units for display, shifting by
// decimals places.
func FormatBalance(d decimal.Decimal, decimals int) string {
	return d.Shift(int32(-decimals)).StringFixed(int32(decimals))
}

type EventConsumerConfig struct {
	Ledger     ledger.Client
	PassStates store.PassStateStore
	Fanout     Enqueuer
	Clock      clockwork.Clock
	Logger     *zap.Logger

	BalanceDecimals int
	// Reconnect paces resubscription after a stream fault. MaxTries is
	// ignored; the consumer reconnects until stopped.
	Reconnect RetryPolicy
	// UpsertRetry bounds retries of a failed pass state write.
	UpsertRetry RetryPolicy
	// LedgerRetry is used for event metadata lookups.
	LedgerRetry RetryPolicy
}

// EventConsumer mirrors ledger events into the pass state store and queues
// a fan-out for every change it applies. It holds one subscription at a
// time and resubscribes with backoff when the stream faults.
type EventConsumer struct {
	ledger   ledger.Client
	states   store.PassStateStore
	fanout   Enqueuer
	clock    clockwork.Clock
	logger   *zap.Logger
	decimals int

	reconnect   RetryPolicy
	upsertRetry RetryPolicy
	ledgerRetry RetryPolicy

	state atomic.Int32

	mu           sync.Mutex
	lastObserved time.Time
}

func NewEventConsumer(cfg EventConsumerConfig) *EventConsumer {
	c := &EventConsumer{
		ledger:      cfg.Ledger,
		states:      cfg.PassStates,
		fanout:      cfg.Fanout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		decimals:    cfg.BalanceDecimals,
		reconnect:   cfg.Reconnect,
		upsertRetry: cfg.UpsertRetry,
		ledgerRetry: cfg.LedgerRetry,
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.reconnect == (RetryPolicy{}) {
		c.reconnect = RetryPolicy{InitialInterval: time.Second, MaxInterval: time.Minute}
	}
	c.reconnect.MaxTries = 0
	if c.upsertRetry == (RetryPolicy{}) {
		c.upsertRetry = RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, MaxTries: 5}
	}
	if c.ledgerRetry == (RetryPolicy{}) {
		c.ledgerRetry = DefaultLedgerRetry
	}
	return c
}

func (c *EventConsumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

func (c *EventConsumer) setState(s ConsumerState) {
	prev := ConsumerState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("consumer state", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run consumes the ledger stream until ctx ends. It only returns once
// stopped, always with a nil error; stream faults are handled inside.
func (c *EventConsumer) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	b := c.reconnect.newBackOff(c.clock)
	c.setState(StateSubscribing)

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := c.ledger.SubscribeEvents(ctx)
		if err == nil {
			b.Reset()
			c.setState(StateStreaming)
			c.logger.Info("ledger stream connected")

			err = c.stream(ctx, sub)
			_ = sub.Close()
			if ctx.Err() != nil {
				return nil
			}
		}

		c.setState(StateReconnecting)
		wait := b.NextBackOff()
		c.logger.Warn("ledger stream fault, reconnecting",
			zap.Error(err), zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(wait):
		}
		c.setState(StateSubscribing)
	}
}

func (c *EventConsumer) stream(ctx context.Context, sub ledger.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ledger.ErrMalformedEvent) {
				c.logger.Warn("skipping malformed ledger event", zap.Error(err))
				continue
			}
			return err
		}
		// Errors are logged inside; one bad event never stops the stream.
		_ = c.HandleEvent(ctx, ev)
	}
}

// HandleEvent applies one ledger event to the pass state store and, if the
// write changed the stored state, queues a fan-out for it. Duplicate and
// stale events are ignored by the store's last-writer-wins rule.
func (c *EventConsumer) HandleEvent(ctx context.Context, ev ledger.Event) error {
	if ev.Account == "" {
		c.logger.Warn("ledger event without account", zap.String("type", string(ev.Type)))
		return nil
	}
	serial := types.SerialForAccount(ev.Account)

	fields, ok := c.fieldsFor(ctx, ev)
	if !ok {
		return nil
	}

	update := store.PassStateUpdate{
		SerialNumber: serial,
		Fields:       fields,
		ObservedAt:   c.observe(),
		Sequence:     ev.Sequence,
	}

	var (
		state   types.PassState
		applied bool
	)
	err := retry(ctx, c.clock, c.upsertRetry,
		func(err error) bool { return ctx.Err() == nil },
		func(err error, wait time.Duration) {
			c.logger.Warn("pass state upsert retry",
				zap.String("serial", serial), zap.Duration("wait", wait), zap.Error(err))
		},
		func() (err error) {
			state, applied, err = c.states.Upsert(ctx, update)
			return err
		},
	)
	if err != nil {
		c.logger.Error("pass state upsert failed",
			zap.String("serial", serial),
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err),
		)
		return fmt.Errorf("upsert %s: %w: %w", serial, ErrPersistence, err)
	}
	if !applied {
		c.logger.Debug("stale ledger event ignored",
			zap.String("serial", serial),
			zap.Uint64("sequence", ev.Sequence),
			zap.Uint64("stored_sequence", state.Sequence),
		)
		return nil
	}

	c.logger.Debug("pass state updated",
		zap.String("serial", serial),
		zap.String("type", string(ev.Type)),
		zap.String("balance", state.Balance),
	)

	if c.fanout == nil {
		return nil
	}
	if err := c.fanout.Enqueue(FanoutJob{SerialNumber: serial, Fields: fields}); err != nil {
		// The stored state is correct; the next resync pushes it.
		c.logger.Warn("fanout enqueue failed", zap.String("serial", serial), zap.Error(err))
	}
	return nil
}

func (c *EventConsumer) fieldsFor(ctx context.Context, ev ledger.Event) (types.PassFields, bool) {
	var f types.PassFields

	switch ev.Type {
	case ledger.EventBalanceUpdated:
		b := FormatBalance(ev.Balance, c.decimals)
		f.Balance = &b
		f.BalanceUpdate = ev.UpdateKind
		c.logger.Debug("balance updated",
			zap.String("account", ev.Account),
			zap.String("balance", b),
			zap.String("kind", ev.UpdateKind),
		)

	case ledger.EventTransactionRecorded:
		if ev.Transaction == nil {
			c.logger.Warn("transaction event without transaction", zap.String("account", ev.Account))
			return f, false
		}
		f.LastTransaction = &types.LastTransaction{
			Amount:    FormatBalance(ev.Transaction.Amount, c.decimals),
			Kind:      string(ev.Transaction.Kind),
			Timestamp: ev.Transaction.Timestamp.UTC(),
		}

	case ledger.EventPurchased:
		if ev.EventID == "" {
			c.logger.Warn("purchase event without event id", zap.String("account", ev.Account))
			return f, false
		}
		f.UpcomingEvent = c.upcomingEvent(ctx, ev.EventID)

	default:
		c.logger.Debug("ignoring ledger event", zap.String("type", string(ev.Type)))
		return f, false
	}
	return f, true
}

// upcomingEvent resolves event metadata. When the lookup fails the event
// is still recorded, by ID only.
func (c *EventConsumer) upcomingEvent(ctx context.Context, eventID string) *types.UpcomingEvent {
	var meta ledger.EventMetadata
	err := retry(ctx, c.clock, c.ledgerRetry, isLedgerTransient, nil, func() (err error) {
		meta, err = c.ledger.EventDetails(ctx, eventID)
		return err
	})
	if err != nil {
		c.logger.Warn("event metadata lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return &types.UpcomingEvent{ID: eventID}
	}
	return &types.UpcomingEvent{
		ID:    meta.ID,
		Name:  meta.Name,
		Date:  meta.Date.UTC(),
		Venue: meta.Venue,
	}
}

// observe returns the local observation time for the next write. Each
// call returns a later millisecond than the one before, so two events
// handled within the same millisecond never tie in the store.
func (c *EventConsumer) observe() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UTC().Truncate(time.Millisecond)
	if !now.After(c.lastObserved) {
		now = c.lastObserved.Add(time.Millisecond)
	}
	c.lastObserved = now
	return now
}

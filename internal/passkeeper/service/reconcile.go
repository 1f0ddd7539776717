package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

// ── Cleanup ──────────────────────────────────────────────────────────────────

type CleanupConfig struct {
	Subscriptions store.SubscriptionStore
	// Retention is how long a subscription survives without being
	// refreshed. Defaults to 30 days.
	Retention time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// CleanupJob prunes subscriptions whose devices stopped re-registering.
type CleanupJob struct {
	subs      store.SubscriptionStore
	retention time.Duration
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewCleanupJob(cfg CleanupConfig) *CleanupJob {
	j := &CleanupJob{
		subs:      cfg.Subscriptions,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if j.retention <= 0 {
		j.retention = 30 * 24 * time.Hour
	}
	if j.clock == nil {
		j.clock = clockwork.NewRealClock()
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	return j
}

// Run deletes every subscription last updated before now minus the
// retention. The cutoff is fixed when the run starts, so a record
// refreshed while the run is in progress is never removed. It is truncated
// to the millisecond precision stores keep LastUpdated in.
func (j *CleanupJob) Run(ctx context.Context) error {
	cutoff := j.clock.Now().UTC().Add(-j.retention).Truncate(time.Millisecond)

	deleted, err := j.subs.PruneOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup: %w: %w", ErrPersistence, err)
	}
	if deleted > 0 {
		j.logger.Info("stale subscriptions pruned",
			zap.String("deleted", humanize.Comma(deleted)),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// ── Resync ───────────────────────────────────────────────────────────────────

type ResyncConfig struct {
	Ledger          ledger.Client
	PassStates      store.PassStateStore
	Subscriptions   store.SubscriptionStore
	Fanout          Enqueuer
	Clock           clockwork.Clock
	Logger          *zap.Logger
	BalanceDecimals int
	Retry           RetryPolicy
}

// ResyncReport counts what one resync run did.
type ResyncReport struct {
	Serials int
	Updated int
	Skipped int
}

// ResyncJob re-reads the balance of every subscribed pass from the ledger
// and repairs the stored state where it drifted.
type ResyncJob struct {
	ledger   ledger.Client
	states   store.PassStateStore
	subs     store.SubscriptionStore
	fanout   Enqueuer
	clock    clockwork.Clock
	logger   *zap.Logger
	decimals int
	retry    RetryPolicy
}

func NewResyncJob(cfg ResyncConfig) *ResyncJob {
	j := &ResyncJob{
		ledger:   cfg.Ledger,
		states:   cfg.PassStates,
		subs:     cfg.Subscriptions,
		fanout:   cfg.Fanout,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		decimals: cfg.BalanceDecimals,
		retry:    cfg.Retry,
	}
	if j.clock == nil {
		j.clock = clockwork.NewRealClock()
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	if j.retry == (RetryPolicy{}) {
		j.retry = DefaultLedgerRetry
	}
	return j
}

// Run is the scheduler entry point.
func (j *ResyncJob) Run(ctx context.Context) error {
	_, err := j.Resync(ctx)
	return err
}

// Resync walks every subscribed serial. A ledger failure for one serial is
// logged and skipped; a store failure aborts the run.
func (j *ResyncJob) Resync(ctx context.Context) (ResyncReport, error) {
	var report ResyncReport

	serials, err := j.subs.ListSerials(ctx)
	if err != nil {
		return report, fmt.Errorf("resync: list serials: %w: %w", ErrPersistence, err)
	}
	report.Serials = len(serials)

	for _, serial := range serials {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		updated, err := j.resyncOne(ctx, serial)
		switch {
		case errors.Is(err, ErrPersistence):
			return report, err
		case err != nil:
			report.Skipped++
			j.logger.Warn("resync skipped serial", zap.String("serial", serial), zap.Error(err))
		case updated:
			report.Updated++
		}
	}

	if report.Updated > 0 || report.Skipped > 0 {
		j.logger.Info("resync finished",
			zap.Int("serials", report.Serials),
			zap.Int("updated", report.Updated),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

func (j *ResyncJob) resyncOne(ctx context.Context, serial string) (bool, error) {
	account, ok := types.AccountFromSerial(serial)
	if !ok {
		return false, fmt.Errorf("serial %q does not name an account", serial)
	}

	// Observed before the read: a consumer write that lands after the
	// query carries a later time and wins.
	observedAt := j.clock.Now()

	var bal decimal.Decimal
	err := retry(ctx, j.clock, j.retry, isLedgerTransient, nil, func() (err error) {
		bal, err = j.ledger.QueryBalance(ctx, account)
		return err
	})
	if err != nil {
		return false, ledgerErr("QueryBalance", err)
	}
	balance := FormatBalance(bal, j.decimals)

	current, err := j.states.Get(ctx, serial)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("get %s: %w: %w", serial, ErrPersistence, err)
	case current.Balance == balance:
		return false, nil
	}

	fields := types.PassFields{Balance: &balance}
	_, applied, err := j.states.Upsert(ctx, store.PassStateUpdate{
		SerialNumber: serial,
		Fields:       fields,
		ObservedAt:   observedAt,
	})
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w: %w", serial, ErrPersistence, err)
	}
	if !applied {
		return false, nil
	}

	j.logger.Info("resync repaired balance",
		zap.String("serial", serial),
		zap.String("stored", current.Balance),
		zap.String("ledger", balance),
	)

	if j.fanout != nil {
		if err := j.fanout.Enqueue(FanoutJob{SerialNumber: serial, Fields: fields}); err != nil {
			j.logger.Warn("fanout enqueue failed", zap.String("serial", serial), zap.Error(err))
		}
	}
	return true, nil
}

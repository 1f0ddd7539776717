package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

// DeriveFromRecords computes the ticket state of account for eventID from
// raw ledger records. It has no side effects.
//
// used counts zero-amount PAYMENTs tagged as check-ins for eventID and is
// clamped to purchased, so 0 <= used <= purchased always holds.
func DeriveFromRecords(
	account, eventID string,
	purchases []ledger.PurchaseRecord,
	txs []ledger.TransactionRecord,
) types.AccessState {
	purchased := 0
	for _, p := range purchases {
		if p.EventID == eventID {
			purchased++
		}
	}

	used := 0
	seen := make(map[int]int)
	for _, tx := range txs {
		n, ok := ledger.IsCheckInFor(tx, eventID)
		if !ok {
			continue
		}
		used++
		seen[n]++
	}

	var dups []int
	for n, c := range seen {
		if c > 1 {
			dups = append(dups, n)
		}
	}
	sort.Ints(dups)

	if used > purchased {
		used = purchased
	}
	remaining := purchased - used

	return types.AccessState{
		EventID:          eventID,
		Account:          account,
		Purchased:        purchased,
		Used:             used,
		Remaining:        remaining,
		CanCheckIn:       remaining > 0,
		DuplicateTickets: dups,
	}
}

type AccessEngineConfig struct {
	Ledger ledger.Client
	// CheckIns receives every check-in attempt. Optional.
	CheckIns store.CheckInLog
	Clock    clockwork.Clock
	Logger   *zap.Logger
	// MaxHistoryDepth bounds the transactions scanned per derivation;
	// 0 scans the whole log.
	MaxHistoryDepth int
	Retry           RetryPolicy
}

// AccessEngine answers access-control questions straight from the ledger.
// It keeps no state between calls.
type AccessEngine struct {
	ledger   ledger.Client
	checkIns store.CheckInLog
	clock    clockwork.Clock
	logger   *zap.Logger
	depth    int
	retry    RetryPolicy
}

func NewAccessEngine(cfg AccessEngineConfig) *AccessEngine {
	e := &AccessEngine{
		ledger:   cfg.Ledger,
		checkIns: cfg.CheckIns,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		depth:    cfg.MaxHistoryDepth,
		retry:    cfg.Retry,
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.retry == (RetryPolicy{}) {
		e.retry = DefaultLedgerRetry
	}
	return e
}

// DeriveAccessState re-derives the ticket state of account for eventID.
// Both must exist on the ledger.
func (e *AccessEngine) DeriveAccessState(ctx context.Context, account, eventID string) (types.AccessState, error) {
	account = strings.TrimSpace(account)
	eventID = strings.TrimSpace(eventID)
	if account == "" {
		return types.AccessState{}, ErrInvalidAccount
	}
	if eventID == "" {
		return types.AccessState{}, ErrInvalidEventID
	}

	if _, err := e.eventDetails(ctx, eventID); err != nil {
		return types.AccessState{}, err
	}
	return e.derive(ctx, account, eventID)
}

func (e *AccessEngine) derive(ctx context.Context, account, eventID string) (types.AccessState, error) {
	var txs []ledger.TransactionRecord
	err := e.query(ctx, "QueryTransactions", func() (err error) {
		txs, err = e.ledger.QueryTransactions(ctx, account, e.depth)
		return err
	})
	if err != nil {
		return types.AccessState{}, err
	}

	var purchases []ledger.PurchaseRecord
	err = e.query(ctx, "QueryPurchases", func() (err error) {
		purchases, err = e.ledger.QueryPurchases(ctx, account, eventID)
		return err
	})
	if err != nil {
		return types.AccessState{}, err
	}

	st := DeriveFromRecords(account, eventID, purchases, txs)
	if len(st.DuplicateTickets) > 0 {
		e.logger.Warn("duplicate check-in tickets on ledger",
			zap.String("account", account),
			zap.String("event_id", eventID),
			zap.Ints("tickets", st.DuplicateTickets),
		)
	}
	return st, nil
}

// AttemptCheckIn re-derives the ticket state and, when the operator is
// authorized and a ticket remains, appends a check-in for ticket used+1.
//
// Nothing serializes concurrent attempts for the same account: two callers
// can both see the last ticket as free. The ledger append is the only
// ordering point; the collision shows up afterwards as a duplicate ticket
// number in AccessState.DuplicateTickets.
func (e *AccessEngine) AttemptCheckIn(ctx context.Context, req types.CheckInRequest) (types.CheckInResponse, error) {
	now := e.clock.Now().UTC()

	req.Account = strings.TrimSpace(req.Account)
	req.EventID = strings.TrimSpace(req.EventID)
	req.Operator = strings.TrimSpace(req.Operator)
	req.Location = strings.TrimSpace(req.Location)

	switch {
	case req.Account == "":
		return types.CheckInResponse{}, ErrInvalidAccount
	case req.EventID == "":
		return types.CheckInResponse{}, ErrInvalidEventID
	case req.Operator == "":
		return types.CheckInResponse{}, ErrInvalidOperator
	}

	meta, err := e.eventDetails(ctx, req.EventID)
	if err != nil {
		return types.CheckInResponse{}, err
	}
	st, err := e.derive(ctx, req.Account, req.EventID)
	if err != nil {
		return types.CheckInResponse{}, err
	}

	var authorized bool
	err = e.query(ctx, "IsAuthorizedOperator", func() (err error) {
		authorized, err = e.ledger.IsAuthorizedOperator(ctx, req.Operator)
		return err
	})
	if err != nil {
		return types.CheckInResponse{}, err
	}

	switch {
	case !authorized:
		e.recordAttempt(ctx, req, st, "operator_not_authorized", 0, "", now)
		return types.CheckInResponse{}, ErrUnauthorizedOperator
	case !meta.Active:
		e.recordAttempt(ctx, req, st, "event_inactive", 0, "", now)
		return types.CheckInResponse{}, ErrEventInactive
	case st.Purchased == 0:
		e.recordAttempt(ctx, req, st, "no_purchase", 0, "", now)
		return types.CheckInResponse{}, &AccessError{Err: ErrInsufficientAccess, State: st}
	case !st.CanCheckIn:
		e.recordAttempt(ctx, req, st, "no_remaining_tickets", 0, "", now)
		return types.CheckInResponse{}, &AccessError{Err: ErrNoRemainingTickets, State: st}
	}

	ticket := st.Used + 1

	// Not retried: a second submit after a lost reply would burn a ticket.
	conf, err := e.ledger.SubmitCheckIn(ctx, ledger.CheckInSubmission{
		Account:      req.Account,
		EventID:      req.EventID,
		TicketNumber: ticket,
		Operator:     req.Operator,
	})
	if err != nil {
		e.recordAttempt(ctx, req, st, "submit_failed", 0, "", now)
		return types.CheckInResponse{}, ledgerErr("SubmitCheckIn", err)
	}

	e.recordAttempt(ctx, req, st, "checked_in", ticket, conf.TxHash, now)
	e.logger.Info("check-in recorded",
		zap.String("account", req.Account),
		zap.String("event_id", req.EventID),
		zap.String("operator", req.Operator),
		zap.Int("ticket", ticket),
		zap.Int("purchased", st.Purchased),
		zap.String("tx_hash", conf.TxHash),
	)

	return types.CheckInResponse{
		OK:               true,
		Account:          req.Account,
		EventID:          req.EventID,
		TicketNumber:     ticket,
		TotalTickets:     st.Purchased,
		RemainingTickets: st.Remaining - 1,
		TxHash:           conf.TxHash,
		BlockNumber:      conf.BlockNumber,
		ServerTime:       now.Format(time.RFC3339Nano),
	}, nil
}

func (e *AccessEngine) eventDetails(ctx context.Context, eventID string) (ledger.EventMetadata, error) {
	var meta ledger.EventMetadata
	err := e.query(ctx, "EventDetails", func() (err error) {
		meta, err = e.ledger.EventDetails(ctx, eventID)
		return err
	})
	return meta, err
}

// query runs one ledger read, retrying while the ledger is unavailable.
func (e *AccessEngine) query(ctx context.Context, op string, fn func() error) error {
	err := retry(ctx, e.clock, e.retry, isLedgerTransient,
		func(err error, wait time.Duration) {
			e.logger.Debug("ledger query retry",
				zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
		},
		fn,
	)
	if err != nil {
		return ledgerErr(op, err)
	}
	return nil
}

// recordAttempt writes to the check-in log. Failures are logged, not
// returned: the caller already has its decision.
func (e *AccessEngine) recordAttempt(
	ctx context.Context,
	req types.CheckInRequest,
	st types.AccessState,
	reason string,
	ticket int,
	txHash string,
	at time.Time,
) {
	if e.checkIns == nil {
		return
	}
	err := e.checkIns.RecordAttempt(ctx, store.CheckInAttemptRecord{
		Account:      req.Account,
		EventID:      req.EventID,
		Operator:     req.Operator,
		Location:     req.Location,
		Purchased:    st.Purchased,
		Used:         st.Used,
		Granted:      ticket > 0,
		Reason:       reason,
		TicketNumber: ticket,
		TxHash:       txHash,
		AttemptedAt:  at,
	})
	if err != nil {
		e.logger.Warn("check-in log write failed", zap.String("reason", reason), zap.Error(err))
	}
}

func isLedgerTransient(err error) bool {
	return errors.Is(err, ledger.ErrUnavailable)
}

// ledgerErr maps a ledger error onto the service taxonomy.
func ledgerErr(op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}
}

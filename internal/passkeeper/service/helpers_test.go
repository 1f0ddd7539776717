package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/service"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/push"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fastRetry keeps retry waits short on the real clock.
var fastRetry = service.RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	MaxTries:        2,
}

// newLedger seeds an account 42 with an active event 7 and an authorized
// operator gate-1.
func newLedger() *ledger.Memory {
	mem := ledger.NewMemory()
	mem.AddAccount("42", decimal.NewFromInt(500))
	mem.AddEvent(ledger.EventMetadata{ID: "7", Name: "Gala", Venue: "Hall A", Active: true, Date: t0.AddDate(0, 1, 0)})
	mem.AuthorizeOperator("gate-1")
	return mem
}

func checkIn(mem *ledger.Memory, account, eventID string, n int) {
	mem.AppendTransaction(account, ledger.TransactionRecord{
		Kind:   ledger.KindPayment,
		Amount: decimal.Zero,
		Note:   ledger.CheckInNote(eventID, n),
	})
}

func sub(device, passType, serial, token string, updated time.Time) store.SubscriptionRecord {
	return store.SubscriptionRecord{
		DeviceID:     device,
		PassTypeID:   passType,
		SerialNumber: serial,
		PushToken:    token,
		CreatedAt:    updated,
		LastUpdated:  updated,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitForWaiters blocks until exactly n timers or tickers are armed on
// clk, so a following Advance cannot race the goroutine arming them.
func waitForWaiters(t *testing.T, clk *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

// ── push fakes ───────────────────────────────────────────────────────────────

type recordingPusher struct {
	mu   sync.Mutex
	msgs []push.Message
	fail map[string]error // by device id
}

func (p *recordingPusher) Push(_ context.Context, msg push.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.fail[msg.DeviceID]
}

func (p *recordingPusher) Messages() []push.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]push.Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// ── fanout fakes ─────────────────────────────────────────────────────────────

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []service.FanoutJob
	err  error
}

func (e *recordingEnqueuer) Enqueue(job service.FanoutJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *recordingEnqueuer) Jobs() []service.FanoutJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]service.FanoutJob, len(e.jobs))
	copy(out, e.jobs)
	return out
}

// ── store fakes ──────────────────────────────────────────────────────────────

var errDiskGone = errors.New("disk gone")

// brokenPassStates fails every call.
type brokenPassStates struct{}

func (brokenPassStates) Upsert(context.Context, store.PassStateUpdate) (types.PassState, bool, error) {
	return types.PassState{}, false, errDiskGone
}

func (brokenPassStates) Get(context.Context, string) (types.PassState, error) {
	return types.PassState{}, errDiskGone
}

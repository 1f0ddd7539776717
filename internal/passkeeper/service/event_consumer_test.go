package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/ledger"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/service"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/store/memory"
)

func newConsumer(t *testing.T, mem *ledger.Memory, states store.PassStateStore, fanout service.Enqueuer, clk clockwork.Clock) *service.EventConsumer {
	t.Helper()
	return service.NewEventConsumer(service.EventConsumerConfig{
		Ledger:      mem,
		PassStates:  states,
		Fanout:      fanout,
		Clock:       clk,
		Logger:      zaptest.NewLogger(t),
		Reconnect:   service.RetryPolicy{InitialInterval: time.Second, MaxInterval: 10 * time.Second},
		UpsertRetry: fastRetry,
		LedgerRetry: fastRetry,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// HandleEvent
// ═══════════════════════════════════════════════════════════════════════════

func TestHandleEvent_ScenarioC_BalanceUpdatedFansOut(t *testing.T) {
	mem := newLedger()
	states := memory.NewPassStateStore()
	subs := memory.NewSubscriptionStore()
	ctx := context.Background()

	for _, dev := range []string{"dev1", "dev2", "dev3"} {
		_, _ = subs.Upsert(ctx, sub(dev, "pass.gold", "TOKEN-42", "tok-"+dev, t0))
	}

	pusher := &recordingPusher{}
	reports := make(chan service.DispatchReport, 1)
	queue := service.NewFanoutQueue(service.FanoutQueueConfig{
		Dispatcher: service.NewDispatcher(service.DispatcherConfig{Subscriptions: subs, Pusher: pusher}),
		Workers:    1,
		OnReport:   func(r service.DispatchReport) { reports <- r },
	})
	defer queue.Close()

	consumer := newConsumer(t, mem, states, queue, clockwork.NewFakeClockAt(t0))
	err := consumer.HandleEvent(ctx, ledger.Event{
		Type:       ledger.EventBalanceUpdated,
		Account:    "42",
		Sequence:   1,
		Balance:    decimal.NewFromInt(1000),
		UpdateKind: "TOPUP",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	st, err := states.Get(ctx, "TOKEN-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Balance != "1000" {
		t.Errorf("expected balance 1000, got %q", st.Balance)
	}

	select {
	case r := <-reports:
		if r.SerialNumber != "TOKEN-42" || r.Attempted != 3 || r.Succeeded != 3 {
			t.Errorf("expected 3 attempted and succeeded for TOKEN-42, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch report")
	}

	for _, m := range pusher.Messages() {
		if m.Changed["balance"] != "1000" || m.Changed["balance_update"] != "TOPUP" {
			t.Errorf("expected pushed balance 1000 from a TOPUP, got %v", m.Changed)
		}
	}
}

func TestHandleEvent_FormatsWithDecimals(t *testing.T) {
	states := memory.NewPassStateStore()
	consumer := service.NewEventConsumer(service.EventConsumerConfig{
		Ledger:          newLedger(),
		PassStates:      states,
		Clock:           clockwork.NewFakeClockAt(t0),
		BalanceDecimals: 2,
	})

	_ = consumer.HandleEvent(context.Background(), ledger.Event{
		Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 1, Balance: decimal.NewFromInt(12345),
	})
	st, _ := states.Get(context.Background(), "TOKEN-42")
	if st.Balance != "123.45" {
		t.Errorf("expected 123.45, got %q", st.Balance)
	}
}

func TestHandleEvent_TransactionAndPurchase(t *testing.T) {
	mem := newLedger()
	states := memory.NewPassStateStore()
	fanout := &recordingEnqueuer{}
	consumer := newConsumer(t, mem, states, fanout, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	_ = consumer.HandleEvent(ctx, ledger.Event{
		Type:     ledger.EventTransactionRecorded,
		Account:  "42",
		Sequence: 1,
		Transaction: &ledger.TransactionRecord{
			Kind: ledger.KindPayment, Amount: decimal.NewFromInt(25), Timestamp: t0,
		},
	})
	_ = consumer.HandleEvent(ctx, ledger.Event{Type: ledger.EventPurchased, Account: "42", Sequence: 2, EventID: "7"})

	st, err := states.Get(ctx, "TOKEN-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.LastTransaction == nil || st.LastTransaction.Amount != "25" || st.LastTransaction.Kind != "PAYMENT" {
		t.Errorf("unexpected last transaction %+v", st.LastTransaction)
	}
	if st.UpcomingEvent == nil || st.UpcomingEvent.Name != "Gala" || st.UpcomingEvent.Venue != "Hall A" {
		t.Errorf("unexpected upcoming event %+v", st.UpcomingEvent)
	}
	if st.Balance != "0" {
		t.Errorf("expected default balance 0 before any balance event, got %q", st.Balance)
	}
	if len(fanout.Jobs()) != 2 {
		t.Errorf("expected 2 fanout jobs, got %d", len(fanout.Jobs()))
	}
}

func TestHandleEvent_PurchaseMetadataFallback(t *testing.T) {
	mem := newLedger()
	states := memory.NewPassStateStore()
	consumer := newConsumer(t, mem, states, nil, clockwork.NewRealClock())

	_ = consumer.HandleEvent(context.Background(), ledger.Event{Type: ledger.EventPurchased, Account: "42", Sequence: 1, EventID: "404"})

	st, _ := states.Get(context.Background(), "TOKEN-42")
	if st.UpcomingEvent == nil || st.UpcomingEvent.ID != "404" || st.UpcomingEvent.Name != "" {
		t.Errorf("expected ID-only upcoming event, got %+v", st.UpcomingEvent)
	}
}

func TestHandleEvent_StaleEventNotFannedOut(t *testing.T) {
	states := memory.NewPassStateStore()
	fanout := &recordingEnqueuer{}
	// The second event is observed later but carries an older ledger
	// sequence.
	consumer := newConsumer(t, newLedger(), states, fanout, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	_ = consumer.HandleEvent(ctx, ledger.Event{Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 5, Balance: decimal.NewFromInt(50)})
	_ = consumer.HandleEvent(ctx, ledger.Event{Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 4, Balance: decimal.NewFromInt(40)})

	st, _ := states.Get(ctx, "TOKEN-42")
	if st.Balance != "50" {
		t.Errorf("expected newer sequence to win, got %q", st.Balance)
	}
	if len(fanout.Jobs()) != 1 {
		t.Errorf("expected stale event to skip fanout, got %d jobs", len(fanout.Jobs()))
	}
}

func TestHandleEvent_DuplicateDeliveryHarmless(t *testing.T) {
	states := memory.NewPassStateStore()
	consumer := newConsumer(t, newLedger(), states, nil, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	ev := ledger.Event{Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 3, Balance: decimal.NewFromInt(70)}

	_ = consumer.HandleEvent(ctx, ev)
	_ = consumer.HandleEvent(ctx, ev)

	st, _ := states.Get(ctx, "TOKEN-42")
	if st.Balance != "70" || st.Sequence != 3 {
		t.Errorf("unexpected state after duplicate delivery %+v", st)
	}
}

func TestHandleEvent_UnsequencedEventsInSameMillisecond(t *testing.T) {
	mem := newLedger()
	states := memory.NewPassStateStore()
	fanout := &recordingEnqueuer{}
	consumer := newConsumer(t, mem, states, fanout, clockwork.NewFakeClockAt(t0))
	ctx := context.Background()

	events := []ledger.Event{
		{Type: ledger.EventBalanceUpdated, Account: "42", Balance: decimal.NewFromInt(900)},
		{Type: ledger.EventTransactionRecorded, Account: "42", Transaction: &ledger.TransactionRecord{
			Kind: ledger.KindPayment, Amount: decimal.NewFromInt(100), Timestamp: t0,
		}},
		{Type: ledger.EventBalanceUpdated, Account: "42", Balance: decimal.NewFromInt(800)},
	}
	for _, ev := range events {
		if err := consumer.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
	}

	st, err := states.Get(ctx, "TOKEN-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Balance != "800" {
		t.Errorf("expected balance 800, got %q", st.Balance)
	}
	if st.LastTransaction == nil || st.LastTransaction.Amount != "100" {
		t.Errorf("expected last transaction 100, got %+v", st.LastTransaction)
	}
	if len(fanout.Jobs()) != 3 {
		t.Errorf("expected 3 fanout jobs, got %d", len(fanout.Jobs()))
	}
}

func TestHandleEvent_PersistenceFailure(t *testing.T) {
	consumer := newConsumer(t, newLedger(), brokenPassStates{}, nil, clockwork.NewRealClock())

	err := consumer.HandleEvent(context.Background(), ledger.Event{
		Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 1, Balance: decimal.NewFromInt(1),
	})
	if !errors.Is(err, service.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestHandleEvent_EnqueueFailureKeepsState(t *testing.T) {
	states := memory.NewPassStateStore()
	fanout := &recordingEnqueuer{err: service.ErrQueueFull}
	consumer := newConsumer(t, newLedger(), states, fanout, clockwork.NewFakeClockAt(t0))

	err := consumer.HandleEvent(context.Background(), ledger.Event{
		Type: ledger.EventBalanceUpdated, Account: "42", Sequence: 1, Balance: decimal.NewFromInt(9),
	})
	if err != nil {
		t.Fatalf("expected enqueue failure to be tolerated, got %v", err)
	}
	st, _ := states.Get(context.Background(), "TOKEN-42")
	if st.Balance != "9" {
		t.Errorf("expected stored balance 9, got %q", st.Balance)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Run: streaming and reconnection
// ═══════════════════════════════════════════════════════════════════════════

func TestRun_StreamsAndReconnects(t *testing.T) {
	mem := newLedger()
	states := memory.NewPassStateStore()
	clk := clockwork.NewFakeClockAt(t0)
	consumer := newConsumer(t, mem, states, nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	waitFor(t, "streaming", func() bool { return consumer.State() == service.StateStreaming && mem.Subscribers() == 1 })

	mem.SetBalance("42", decimal.NewFromInt(100), "TOPUP")
	waitFor(t, "first balance", func() bool {
		st, err := states.Get(context.Background(), "TOKEN-42")
		return err == nil && st.Balance == "100"
	})

	// Lose the stream; the consumer backs off on the fake clock.
	mem.DropSubscriptions()
	waitFor(t, "reconnecting", func() bool { return consumer.State() == service.StateReconnecting })
	waitForWaiters(t, clk, 1)
	clk.Advance(time.Minute)

	waitFor(t, "resubscribed", func() bool { return consumer.State() == service.StateStreaming && mem.Subscribers() == 1 })

	clk.Advance(time.Second)
	mem.SetBalance("42", decimal.NewFromInt(200), "PAYMENT")
	waitFor(t, "second balance", func() bool {
		st, err := states.Get(context.Background(), "TOKEN-42")
		return err == nil && st.Balance == "200"
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	if consumer.State() != service.StateStopped {
		t.Errorf("expected stopped, got %s", consumer.State())
	}
}

func TestRun_RetriesInitialSubscribe(t *testing.T) {
	mem := newLedger()
	mem.SetUnavailable(true)
	clk := clockwork.NewFakeClockAt(t0)
	consumer := newConsumer(t, mem, memory.NewPassStateStore(), nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForWaiters(t, clk, 1)
	if consumer.State() != service.StateReconnecting {
		t.Errorf("expected reconnecting while ledger is down, got %s", consumer.State())
	}

	mem.SetUnavailable(false)
	clk.Advance(time.Minute)
	waitFor(t, "streaming", func() bool { return consumer.State() == service.StateStreaming })
}

package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
)

var (
	ErrQueueFull   = errors.New("fanout: queue full")
	ErrQueueClosed = errors.New("fanout: queue closed")
)

type FanoutJob struct {
	SerialNumber string
	Fields       types.PassFields
}

// Enqueuer accepts fan-out jobs without blocking.
type Enqueuer interface {
	Enqueue(job FanoutJob) error
}

type FanoutQueueConfig struct {
	Dispatcher *Dispatcher
	Workers    int // defaults to 4
	Size       int // defaults to 1024
	Logger     *zap.Logger
	// OnReport is called after every dispatch. Optional.
	OnReport func(DispatchReport)
}

// FanoutQueue runs dispatches on a fixed pool of workers so the event
// consumer never waits on push delivery.
type FanoutQueue struct {
	dispatcher *Dispatcher
	jobs       chan FanoutJob
	logger     *zap.Logger
	onReport   func(DispatchReport)
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewFanoutQueue(cfg FanoutQueueConfig) *FanoutQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.Size
	if size <= 0 {
		size = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &FanoutQueue{
		dispatcher: cfg.Dispatcher,
		jobs:       make(chan FanoutJob, size),
		logger:     logger,
		onReport:   cfg.OnReport,
	}
	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}
	return q
}

// Enqueue hands job to the pool. It never blocks: a full queue returns
// ErrQueueFull and the change waits for the next resync.
func (q *FanoutQueue) Enqueue(job FanoutJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets queued ones finish and waits for the
// workers to exit. Safe to call more than once.
func (q *FanoutQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *FanoutQueue) worker() {
	defer q.wg.Done()

	// Deliveries are bounded by the dispatcher's timeout, so queued jobs
	// still drain after shutdown begins.
	ctx := context.Background()
	for job := range q.jobs {
		report, err := q.dispatcher.Dispatch(ctx, job.SerialNumber, job.Fields)
		if err != nil {
			q.logger.Error("fanout dispatch failed", zap.String("serial", job.SerialNumber), zap.Error(err))
			continue
		}
		if report.Attempted > 0 {
			q.logger.Info("fanout dispatched",
				zap.String("serial", report.SerialNumber),
				zap.Int("attempted", report.Attempted),
				zap.Int("succeeded", report.Succeeded),
				zap.Int("failed", len(report.Failed)),
			)
		}
		if q.onReport != nil {
			q.onReport(report)
		}
	}
}

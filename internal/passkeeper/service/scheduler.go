package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrJobRunning = errors.New("job already running")

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type SchedulerConfig struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the job once immediately when started.
	RunOnStart bool
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Scheduler runs one job on a fixed interval. A job never overlaps itself:
// ticks and RunNow calls that land while a run is in flight are skipped.
// Separate schedulers are independent and may run at the same time.
type Scheduler struct {
	name       string
	job        JobFunc
	interval   time.Duration
	runOnStart bool
	clock      clockwork.Clock
	logger     *zap.Logger

	running atomic.Bool
	runs    atomic.Int64

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler but does not start it. An interval of
// zero or less disables it.
func NewScheduler(job JobFunc, cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		name:       cfg.Name,
		job:        job,
		interval:   cfg.Interval,
		runOnStart: cfg.RunOnStart,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		done:       make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("job", s.name))
	return s
}

// Start begins the background loop. The loop exits when ctx is cancelled
// or Stop is called. Calling Start more than once has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		if s.interval <= 0 {
			s.logger.Info("scheduler disabled (interval=0)")
			close(s.done)
			return
		}

		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)

		s.logger.Info("scheduler started", zap.String("every", humanizeInterval(s.interval)))
	})
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
// Safe to call more than once, and before Start.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Runs reports how many runs have completed.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// RunNow runs the job on the caller's goroutine unless a run is already in
// flight, in which case it returns ErrJobRunning.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer s.running.Store(false)
	defer s.runs.Add(1)

	start := s.clock.Now()
	err := s.job(ctx)
	took := s.clock.Now().Sub(start)
	if err != nil {
		s.logger.Error("job run failed", zap.Duration("took", took), zap.Error(err))
		return err
	}
	s.logger.Debug("job run finished", zap.Duration("took", took))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RunNow(ctx); errors.Is(err, ErrJobRunning) {
		s.logger.Debug("skipping tick, previous run still in flight")
	}
}

func humanizeInterval(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return humanize.Comma(int64(d/(24*time.Hour))) + "d"
	case d%time.Hour == 0:
		return humanize.Comma(int64(d/time.Hour)) + "h"
	default:
		return d.String()
	}
}

package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/cenkalti/backoff.v1"
)

// RetryPolicy bounds an exponential backoff. MaxTries counts every
// attempt including the first; 0 retries until the context ends.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint64
}

// DefaultLedgerRetry is used for ledger queries at the call site.
var DefaultLedgerRetry = RetryPolicy{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxTries:        3,
}

func (p RetryPolicy) newBackOff(clk clockwork.Clock) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Clock = clk
	eb.Reset()

	switch p.MaxTries {
	case 0:
		return eb
	case 1:
		return &backoff.StopBackOff{}
	}
	// WithMaxTries counts retries, not attempts.
	return backoff.WithMaxTries(eb, p.MaxTries-1)
}

// retry runs op until it succeeds, returns an error retryable rejects,
// the policy gives up, or ctx ends. Waits happen on clk so tests can drive
// them with a fake clock. The last error from op is returned.
func retry(
	ctx context.Context,
	clk clockwork.Clock,
	p RetryPolicy,
	retryable func(error) bool,
	notify func(err error, wait time.Duration),
	op func() error,
) error {
	b := p.newBackOff(clk)
	for {
		err := op()
		if err == nil || !retryable(err) {
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		if notify != nil {
			notify(err, wait)
		}

		select {
		case <-ctx.Done():
			return err
		case <-clk.After(wait):
		}
	}
}

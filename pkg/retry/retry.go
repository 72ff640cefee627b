// Package retry provides the bounded retry combinator used for optimistic
// concurrency writes against the balance ledger.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop. Attempts counts the initial try.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	MaxDelay time.Duration
}

// DefaultCAS is the policy applied to compare-and-swap wallet writes.
var DefaultCAS = Policy{Attempts: 5, Backoff: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. retryable decides whether a given error is worth another
// attempt; a nil retryable retries everything. The last error is returned on
// exhaustion.
func Do(ctx context.Context, p Policy, fn func() error, retryable func(error) bool) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	delay := p.Backoff
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

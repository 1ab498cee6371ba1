package psm

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/roach88/psm/internal/position"
)

// Backoff bounds Retry. Delays grow as Base * 2^attempt, capped at Max, and
// each sleep is drawn uniformly from [0, delay) so that competing writers do
// not retry in lockstep.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used by reconciliation and diagnosis corrective writes.
var DefaultBackoff = Backoff{
	Attempts: 5,
	Base:     20 * time.Millisecond,
	Max:      1 * time.Second,
}

// Delay returns the upper bound of the sleep before retry number attempt
// (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * Base already exceeds any sensible Max.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. Only *position.BusyError is
// retried.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	attempts := max(b.Attempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil || !position.IsRetryable(err) {
			return err
		}
		if attempt == attempts-1 || ctx.Err() != nil {
			break
		}

		sleep := time.Duration(rand.Int64N(int64(b.Delay(attempt)) + 1))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

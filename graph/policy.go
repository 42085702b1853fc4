package graph

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy controls how the driver retries a node whose error is
// transient. Attempts counts executions, so MaxAttempts of 3 means one
// initial run plus two retries. Delays grow exponentially from BaseDelay,
// capped at MaxDelay, with up to 25% jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable overrides the default transient classification when set.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the driver's built-in behavior when a node
// has no policy of its own: three attempts with a short backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate reports a configuration error in the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("retry policy: BaseDelay must be >= 0, got %v", p.BaseDelay)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("retry policy: MaxDelay %v is less than BaseDelay %v", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// computeBackoff returns the delay before the given retry attempt
// (attempt 1 is the first retry). Exponential in the attempt number,
// capped, with random jitter so concurrent retries decorrelate.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if maxDelay > 0 && d >= maxDelay {
			d = maxDelay
			break
		}
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if rng != nil && d > 0 {
		jitter := time.Duration(rng.Int63n(int64(d)/4 + 1))
		d += jitter
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
	}
	return d
}

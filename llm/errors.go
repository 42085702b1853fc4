package llm

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Unavailable and Timeout are transient; BadResponse
// is not (the model answered, just unusably).
var (
	ErrUnavailable = errors.New("llm: provider unavailable")
	ErrTimeout     = errors.New("llm: request timed out")
	ErrBadResponse = errors.New("llm: unusable response")
)

// transientErr wraps a taxonomy error and marks it retryable for the
// engine's retry policy.
type transientErr struct {
	err error
}

func (e *transientErr) Error() string   { return e.err.Error() }
func (e *transientErr) Unwrap() error   { return e.err }
func (e *transientErr) Transient() bool { return true }

func unavailable(provider string, err error) error {
	return &transientErr{err: fmt.Errorf("%w (%s): %v", ErrUnavailable, provider, err)}
}

func timedOut(provider string, err error) error {
	return &transientErr{err: fmt.Errorf("%w (%s): %v", ErrTimeout, provider, err)}
}

func badResponse(provider, reason string) error {
	return fmt.Errorf("%w (%s): %s", ErrBadResponse, provider, reason)
}

// classify maps a provider SDK error to the taxonomy. Context expiry is
// a timeout; everything else at the transport level is unavailability.
func classify(provider string, ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return timedOut(provider, err)
	}
	return unavailable(provider, err)
}

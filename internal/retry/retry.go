// Package retry provides the single retry policy shared by every outbound
// call in the pipeline (reasoning service, notification channel).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy parameterizes bounded retries with exponential backoff and jitter.
// The zero value is not usable; construct via Default or literal with
// MaxAttempts >= 1.
type Policy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default returns the policy used when config supplies nothing better.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Do runs op until it succeeds, the attempt budget is spent, or ctx is
// done. Each attempt receives the caller's ctx unchanged; per-attempt
// timeouts belong to the operation itself.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts))
	return err
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is wrapped by the error returned when every attempt of
// a RetryPolicy failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy is a bounded number of attempts separated by a fixed delay.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is the policy used when none is configured.
var DefaultRetryPolicy = RetryPolicy{Attempts: 20, Delay: time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do calls fn until it succeeds, fails with an error retryable does not
// accept, the attempts are used up or ctx is done. The number of attempts made
// is returned with the error of the last one.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	p = p.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
		if attempt >= p.Attempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		t := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, fmt.Errorf("retrying: %w", errors.Join(ctx.Err(), err))
		case <-t.C:
		}
	}
}

package nodeaddr

import (
	"context"
	"time"
)

// RetryPolicy controls how a ticket retries a backend call that failed with a transport error.
// Negative answers and validation failures are never retried.
type RetryPolicy struct {
	MaxAttempts    int           // MaxAttempts including the first, 1 disables retries
	InitialBackoff time.Duration // InitialBackoff before the second attempt
	MaxBackoff     time.Duration // MaxBackoff caps the delay between attempts
	Multiplier     float64       // Multiplier applied to the delay after each attempt
}

func (p RetryPolicy) mergeDefault(d RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = d.Multiplier
	}
	return p
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return configError("Retry.MaxAttempts", "must be at least 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return configError("Retry", "backoff must not be negative")
	}
	if p.Multiplier < 1 {
		return configError("Retry.Multiplier", "must be at least 1")
	}
	return nil
}

// backoff returns the delay before the given attempt, attempts are numbered from 1
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// do runs fn until it succeeds, fails with a non retryable error, runs out of attempts or ctx ends
func (p RetryPolicy) do(ctx context.Context, rt Runtime, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if serr := rt.Sleep(ctx, p.backoff(attempt)); serr != nil {
				return err
			}
		}
		err = fn(ctx, attempt)
		if err == nil || !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

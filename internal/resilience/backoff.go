package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential retry delays. The zero value is not
// usable; construct with [DefaultBackoff] or fill all fields.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay; growth stops once reached.
	Max time.Duration

	// Factor multiplies the delay after each attempt. Must be >= 1.
	Factor float64

	// Jitter, when true, spreads each delay uniformly over [delay/2, delay]
	// so simultaneous failures do not retry in lockstep.
	Jitter bool
}

// DefaultBackoff is the retry schedule used for provider API calls and
// reconcile jobs: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  true,
	}
}

// Delay returns the wait before retry number attempt (0-based). With jitter
// disabled the sequence is deterministic: Initial, Initial*Factor, ... capped
// at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for range attempt {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}

// Retry runs fn up to maxAttempts times, sleeping the backoff delay between
// attempts. It stops early when fn succeeds, when fn reports a permanent
// error via [Permanent], or when ctx is cancelled. The last error is
// returned.
func Retry(ctx context.Context, maxAttempts int, b Backoff, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range maxAttempts {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so [Retry] gives up immediately. Use for client errors
// such as HTTP 4xx where repeating the call cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

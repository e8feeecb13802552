// Package retry provides the single retry policy applied to both external
// collaborators (the work-item tracker and the story extraction service).
//
// Callers describe what is retryable via a predicate; the policy owns the
// attempt count and the exponential backoff schedule, and respects context
// cancellation between attempts.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Policy bundles max attempts, backoff schedule, and the retryable-error
// predicate. The zero value is usable: 3 attempts, 1s base backoff, every
// error retryable.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 mean 3.
	MaxAttempts int
	// BaseBackoff is the wait after the first failure, doubled each
	// subsequent attempt. Values <= 0 mean 1 second.
	BaseBackoff time.Duration
	// Retryable reports whether an error is worth retrying. nil retries
	// everything.
	Retryable func(error) bool
	// Logger logs retry attempts. nil is silent.
	Logger *slog.Logger
}

func (p Policy) defaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	return p
}

// Do runs fn until it succeeds, exhausts the attempt budget, fails with a
// non-retryable error, or ctx is cancelled. The op name is only used for
// logging.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	p = p.defaults()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := p.BaseBackoff * (1 << uint(attempt))
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying call",
				"op", op,
				"attempt", attempt+1,
				"max_attempts", p.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}
	return lastErr
}

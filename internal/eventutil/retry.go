package eventutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrRetriesExhausted is returned once every attempt allowed by a Backoff has failed.
// The returned error also wraps the last underlying error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Backoff parameterizes RetryWithBackoff.
type Backoff struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the wait after failed attempt n (zero-based): InitialDelay * Multiplier^n.
func (b Backoff) Delay(n int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(b.InitialDelay) * math.Pow(mult, float64(n)))
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// RetryWithBackoff runs op until it succeeds, the retry budget is spent or ctx is done.
func RetryWithBackoff(ctx context.Context, b Backoff, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == b.MaxRetries {
			break
		}

		wait := b.Delay(attempt)
		if b.OnRetry != nil {
			b.OnRetry(attempt+1, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, b.MaxRetries+1, lastErr)
}

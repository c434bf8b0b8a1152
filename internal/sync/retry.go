package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/njoerd114/listingrelay/internal/source"
)

// Backoff bounds a retried call.
type Backoff struct {
	// Attempts is the number of tries before Retry gives up.
	Attempts int

	// Base is the starting backoff interval (before jitter).
	Base time.Duration

	// Max caps the backoff interval.
	Max time.Duration
}

// DefaultBackoff is used when a zero Backoff is configured.
var DefaultBackoff = Backoff{Attempts: 5, Base: time.Second, Max: 30 * time.Second}

func (b Backoff) withDefaults() Backoff {
	if b.Attempts <= 0 {
		b.Attempts = DefaultBackoff.Attempts
	}
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	return b
}

// Retry executes fn up to b.Attempts times with exponential backoff and
// jitter. Errors for which retryable returns false are returned as-is
// without another attempt. If all attempts fail the last error is wrapped.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func() error) error {
	b = b.withDefaults()

	var lastErr error
	for attempt := range b.Attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		if attempt < b.Attempts-1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(b.delay(attempt)):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", b.Attempts, lastErr)
}

// delay computes the delay for a given attempt index, applying exponential
// growth with 50–100 % jitter.
func (b Backoff) delay(attempt int) time.Duration {
	delay := b.Max
	if attempt < 32 {
		if d := b.Base * (1 << attempt); d > 0 && d < b.Max {
			delay = d
		}
	}
	half := int64(delay) / 2
	if half <= 0 {
		return delay
	}
	// Jitter: uniform in [delay/2, delay).
	return time.Duration(half + rand.Int63n(half)) //nolint:gosec // jitter does not need crypto/rand
}

// upstreamRetryable retries only transient provider failures. Validation
// and not-found errors are final.
func upstreamRetryable(err error) bool {
	return errors.Is(err, source.ErrUpstreamUnavailable)
}

// storeRetryable retries any store error except caller cancellation.
func storeRetryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

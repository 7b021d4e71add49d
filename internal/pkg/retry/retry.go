// Package retry runs an operation a bounded number of times with exponential
// backoff and full jitter between attempts.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Do invokes fn up to attempts times, sleeping between failures with
// exponential backoff and full jitter: random(0, baseDelay * 2^(attempt-1)).
// It returns nil as soon as fn succeeds, the last error once attempts are
// exhausted, or the context error if ctx is cancelled while waiting.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(Delay(baseDelay, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// Delay returns the jittered backoff for the given attempt (1-based), with a
// 100ms floor to avoid busy-looping.
func Delay(baseDelay time.Duration, attempt int) time.Duration {
	expDelay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

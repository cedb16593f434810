package builderadapter

import (
	"context"
	"time"
)

// withBackoff retries fn up to maxAttempts times with exponential backoff,
// honoring ctx cancellation between attempts — the same shape as the
// bounded-retry loop used elsewhere in the corpus for flaky external
// calls: check ctx.Err() before sleeping, never retry past the cap.
func withBackoff(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	backoff := base
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return lastErr
}

// Package retry re-runs store operations that failed for transient reasons.
package retry

import (
	"context"
	"time"
)

// Do runs fn until it succeeds, returns an error that transient rejects, or attempts run
// out. The delay doubles after every failure, capped at one second.
func Do(ctx context.Context, attempts int, initialDelay time.Duration, transient func(error) bool, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if initialDelay <= 0 {
		initialDelay = 5 * time.Millisecond
	}
	delay := initialDelay
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !transient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay < time.Second {
			delay *= 2
		}
	}
	return err
}

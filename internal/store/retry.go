package store

import (
	"context"
	"fmt"
	"time"

	"github.com/DoyleJ11/roast-battle-backend/internal/battle"
)

// Backoff is an exponential retry policy for transient store failures.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

var DefaultBackoff = Backoff{Attempts: 4, Initial: 50 * time.Millisecond, Max: time.Second}

// Retry runs fn until it succeeds, returns a non-transient error, or attempts run out.
// Exhausted retries come back wrapped in battle.ErrStoreUnavailable.
func Retry(ctx context.Context, b Backoff, transient func(error) bool, fn func(context.Context) error) error {
	if b.Attempts <= 0 {
		b.Attempts = 1
	}
	wait := b.Initial

	var err error
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !transient(err) {
			return err
		}
		if attempt == b.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", battle.ErrStoreUnavailable, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
		if b.Max > 0 && wait > b.Max {
			wait = b.Max
		}
	}
	return fmt.Errorf("%w: %w", battle.ErrStoreUnavailable, err)
}

package transport

import (
	"context"
	"time"
)

// Backoff is the retry state machine for whole-part attempts. The
// first attempt runs immediately; each further attempt waits twice as
// long as the previous one, starting at Initial and capped at Max.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// Next grants the next attempt. It returns the delay to wait before
// the attempt and false when the attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.MaxAttempts {
		return 0, false
	}
	b.attempt++
	if b.attempt == 1 {
		return 0, true
	}

	d := b.Initial << uint(b.attempt-2)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	return d, true
}

// Attempt reports how many attempts have been granted.
func (b *Backoff) Attempt() int { return b.attempt }

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

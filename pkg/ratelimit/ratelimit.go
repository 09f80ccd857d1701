package ratelimit

import (
	"context"
	"time"
)

// Lock spaces out calls so that consecutive starts are at least wait apart.
type Lock interface {
	// Wait blocks until the caller is allowed to start. It returns the
	// context error if ctx is done first.
	Wait(ctx context.Context) error
}

type lock struct {
	sem  chan struct{}
	wait time.Duration
	last time.Time
}

// New returns a lock that enforces wait between consecutive starts.
func New(wait time.Duration) Lock {
	return &lock{
		sem:  make(chan struct{}, 1),
		wait: wait,
	}
}

func (l *lock) Wait(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if d := l.wait - time.Since(l.last); d > 0 && !l.last.IsZero() {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	l.last = time.Now()
	return nil
}

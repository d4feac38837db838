package engine

import (
	"context"
	"time"
)

// Clock supplies the time and cancellable waits to the engine.
type Clock interface {
	Now() time.Time
	Wait(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock in a fixed location.
type SystemClock struct {
	Location *time.Location
}

// Now returns the current time in the clock's location.
func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// Wait blocks for d or until ctx is done.
func (SystemClock) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

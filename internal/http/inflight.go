package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests still being served. Shutdown drains it
// before the final snapshot flush so no accepted PUT is left out.
type InFlightTracker struct {
	active atomic.Int64
}

// begin marks a request as started and returns the func that ends it.
func (t *InFlightTracker) begin() (end func()) {
	t.active.Add(1)
	return func() { t.active.Add(-1) }
}

// Count returns the number of requests being served.
func (t *InFlightTracker) Count() int64 {
	return t.active.Load()
}

// Drain polls every poll interval until no request is being served. It
// returns ctx.Err() if ctx ends first.
func (t *InFlightTracker) Drain(ctx context.Context, poll time.Duration) error {
	if t.Count() == 0 {
		return nil
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.Count() == 0 {
				return nil
			}
		}
	}
}

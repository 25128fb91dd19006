package indexer

import (
	"context"
	"sync"
	"time"
)

// rateGate spaces embedding requests across all workers. Each caller
// reserves the next slot under the lock, then sleeps outside it, so the
// request stream never exceeds one call per interval.
type rateGate struct {
	mu          sync.Mutex
	interval    time.Duration
	nextAllowed time.Time
}

func newRateGate(interval time.Duration) *rateGate {
	return &rateGate{interval: interval}
}

func (g *rateGate) Wait(ctx context.Context) error {
	if g.interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := time.Now()
	wait := g.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	g.nextAllowed = now.Add(wait + g.interval)
	g.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

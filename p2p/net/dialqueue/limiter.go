package dialqueue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// twoLevelLimiter enforces maxParallelDialsPerPeer within a single dial
// request and feeds into a shared maxParallelDials cap across the whole
// queue, so that one peer with many candidate addresses cannot starve
// everyone else's dials (spec section 4.1 step 5).
type twoLevelLimiter struct {
	global *semaphore.Weighted
	perDialCap int64
}

func newTwoLevelLimiter(global *semaphore.Weighted, perDialCap int64) *twoLevelLimiter {
	return &twoLevelLimiter{global: global, perDialCap: perDialCap}
}

// perDial returns a fresh semaphore scoped to one dial request, sized to
// this queue's maxParallelDialsPerPeer.
func (l *twoLevelLimiter) perDial() *semaphore.Weighted {
	n := l.perDialCap
	if n <= 0 {
		n = 1
	}
	return semaphore.NewWeighted(n)
}

// acquire blocks until a slot is free in both the per-dial and the global
// semaphore, acquiring the per-dial slot first. Acquisition order is fixed
// across all callers, so there is no deadlock between the two levels.
func (l *twoLevelLimiter) acquire(ctx context.Context, perDial *semaphore.Weighted) error {
	if err := perDial.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		perDial.Release(1)
		return err
	}
	return nil
}

// release gives back both slots, in the reverse order they were acquired
// (spec section 5, "resources acquired so far are released in reverse
// order").
func (l *twoLevelLimiter) release(perDial *semaphore.Weighted) {
	l.global.Release(1)
	perDial.Release(1)
}

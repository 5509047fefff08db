package dialqueue

import "sync/atomic"

// abortReason records which of the aggregate signal's three inputs fired
// first (spec section 4.1 step 2 and step 6): only the first writer wins,
// since the timeout timer, the shutdown channel, and the caller's context
// can all race to cancel the derived context.
type abortReason struct {
	v atomic.Int32
}

const (
	abortNone int32 = iota
	abortTimeout
	abortShutdown
	abortCaller
)

func (r *abortReason) setTimeout()  { r.v.CompareAndSwap(abortNone, abortTimeout) }
func (r *abortReason) setShutdown() { r.v.CompareAndSwap(abortNone, abortShutdown) }
func (r *abortReason) setCaller()   { r.v.CompareAndSwap(abortNone, abortCaller) }

func (r *abortReason) isTimeout() bool { return r.v.Load() == abortTimeout }

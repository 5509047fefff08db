package dialqueue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
	"golang.org/x/sync/semaphore"
)

// performDial races every candidate address for pd, honoring the two-level
// concurrency caps, and returns the first successful upgrade while
// cancelling the rest (spec section 4.1 step 5).
func (q *DialQueue) performDial(ctx context.Context, pd *pendingDial) (network.Connection, error) {
	type candidate struct {
		addr   address.Address
		ctx    context.Context
		cancel context.CancelFunc
	}

	candidates := make([]candidate, len(pd.addrs))
	for i, a := range pd.addrs {
		cctx, cancel := context.WithCancel(ctx)
		candidates[i] = candidate{addr: a, ctx: cctx, cancel: cancel}
	}
	defer func() {
		for _, c := range candidates {
			c.cancel()
		}
	}()

	type result struct {
		addr address.Address
		conn network.Connection
		err  error
	}

	perDialSem := q.limiter.perDial()
	results := make(chan result, len(candidates))
	var won atomic.Bool
	var wg sync.WaitGroup

	for _, c := range candidates {
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			conn, err := q.dialOneCandidate(c.ctx, pd, c.addr, perDialSem, &won)
			results <- result{addr: c.addr, conn: conn, err: err}
		}(c)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	agg := &DialError{Peer: pd.peer.String()}
	for r := range results {
		if r.err == nil && r.conn != nil {
			for _, c := range candidates {
				c.cancel()
			}
			return r.conn, nil
		}
		if r.err != nil {
			agg.recordErr(r.addr, r.err)
		}
	}
	return nil, agg.finalize()
}

// dialOneCandidate runs one candidate's full attempt: queue admission,
// transport dial, upgrade, and the winner race against its siblings.
func (q *DialQueue) dialOneCandidate(ctx context.Context, pd *pendingDial, addr address.Address, perDialSem *semaphore.Weighted, won *atomic.Bool) (network.Connection, error) {
	if err := q.limiter.acquire(ctx, perDialSem); err != nil {
		return nil, network.NewError(network.KindAbort, "dial aborted before reaching the head of the queue", err)
	}
	defer q.limiter.release(perDialSem)

	if ctx.Err() != nil {
		return nil, network.NewError(network.KindAbort, "dial aborted before reaching the head of the queue", ctx.Err())
	}

	q.activateCandidate(pd)
	defer q.deactivateCandidate()

	driver := q.transports.TransportForMultiaddr(addr)
	if driver == nil {
		return nil, network.NewError(network.KindTransportDialFailed, "no transport driver claims this address", nil)
	}

	raw, err := driver.Dial(ctx, addr, transport.DialOptions{Context: ctx})
	if err != nil {
		return nil, network.NewError(network.KindTransportDialFailed, "transport dial failed", err)
	}

	if won.Load() {
		_ = raw.Abort(network.NewError(network.KindAbort, "a sibling candidate already won", nil))
		return nil, network.NewError(network.KindAbort, "a sibling candidate already won", nil)
	}

	conn, err := q.upgrade(ctx, raw, pd.peer)
	if err != nil {
		_ = raw.Abort(err)
		return nil, err
	}

	if !won.CompareAndSwap(false, true) {
		_ = conn.Abort(network.NewError(network.KindAbort, "a sibling candidate already won", nil))
		return nil, network.NewError(network.KindAbort, "a sibling candidate already won", nil)
	}

	return conn, nil
}

// activateCandidate transitions pd to active and takes it out of the
// queue-depth count, exactly once across every candidate goroutine for pd,
// and counts the calling candidate as in progress (once per candidate).
func (q *DialQueue) activateCandidate(pd *pendingDial) {
	pd.activateOnce.Do(func() {
		q.mu.Lock()
		pd.status = statusActive
		q.pendingDialCount--
		q.mu.Unlock()
	})
	q.mu.Lock()
	q.inProgressDialCount++
	q.mu.Unlock()
}

func (q *DialQueue) deactivateCandidate() {
	q.mu.Lock()
	q.inProgressDialCount--
	q.mu.Unlock()
}

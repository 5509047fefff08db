// Package dialqueue turns a dial request (a peer identity, an explicit
// address list, or both) into exactly one established connection, racing
// as many candidate addresses as the configured concurrency caps allow and
// deduplicating against whatever the queue already has in flight.
//
// The transport drivers, the capability-negotiation protocol, the peer
// store, the connection gater, the address sorter, and address resolvers
// are all external collaborators here, specified only through the
// interfaces in core/transport, core/gater, core/peerstore, and this
// package's Config.
package dialqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/gater"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/peerstore"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"
)

var log = logging.Logger("dialqueue")

// DefaultDialTimeout bounds a whole dial request (every candidate attempt
// together) when Config.DialTimeout is left zero.
const DefaultDialTimeout = 30 * time.Second

// OutboundUpgradeFunc turns a raw transport connection into a live
// Connection. DialQueue never constructs a Connection itself: the Upgrader
// (p2p/net/upgrader) does, following the successful transport dial (spec
// section 2, "data flows").
type OutboundUpgradeFunc func(ctx context.Context, raw transport.RawConn, expectedPeer peer.ID) (network.Connection, error)

// Config enumerates every DialQueue knob named by the spec.
type Config struct {
	AddressSorter           AddressSorter
	MaxParallelDials        int
	MaxParallelDialsPerPeer int
	MaxPeerAddrsToDial      int
	DialTimeout             time.Duration
	Resolvers               map[string]transport.Resolver
}

// DialOptions carries the per-call knobs from the public contract: a
// caller cancellation signal is just ctx; Priority is advisory to the
// global queue (spec section 9, "priority from the dial options is
// advisory").
type DialOptions struct {
	Priority int
}

// DialQueue is the public contract's implementation: dial(target, options)
// and stop().
type DialQueue struct {
	cfg        Config
	localPeer  peer.ID
	transports *transport.Registry
	gater      gater.ConnectionGater
	peerStore  peerstore.PeerStore
	upgrade    OutboundUpgradeFunc
	clock      clock.Clock

	globalSem *semaphore.Weighted
	limiter   *twoLevelLimiter

	mu         sync.Mutex
	pending    []*pendingDial
	closed     bool
	shutdownCh chan struct{}

	pendingDialCount    int64
	inProgressDialCount int64
}

// New builds a DialQueue. transports, upgrade, and localPeer are required;
// gtr, ps, and clk may be nil (gtr/ps default to never-deny/always-miss
// behavior, clk defaults to the real wall clock).
func New(cfg Config, localPeer peer.ID, transports *transport.Registry, gtr gater.ConnectionGater, ps peerstore.PeerStore, upgrade OutboundUpgradeFunc, clk clock.Clock) *DialQueue {
	if cfg.MaxParallelDials <= 0 {
		cfg.MaxParallelDials = 1
	}
	if cfg.MaxParallelDialsPerPeer <= 0 {
		cfg.MaxParallelDialsPerPeer = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	q := &DialQueue{
		cfg:        cfg,
		localPeer:  localPeer,
		transports: transports,
		gater:      gtr,
		peerStore:  ps,
		upgrade:    upgrade,
		clock:      clk,
		globalSem:  semaphore.NewWeighted(int64(cfg.MaxParallelDials)),
		shutdownCh: make(chan struct{}),
	}
	q.limiter = newTwoLevelLimiter(q.globalSem, int64(cfg.MaxParallelDialsPerPeer))
	return q
}

// PendingDialCount is the current queue depth (spec section 4.1,
// "Observable metrics").
func (q *DialQueue) PendingDialCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingDialCount
}

// InProgressDialCount is the number of candidate dial tasks currently
// running against the transport driver.
func (q *DialQueue) InProgressDialCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inProgressDialCount
}

// Stop cancels all pending and in-flight dials; idempotent (spec section
// 4.1, public contract).
func (q *DialQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.shutdownCh)
	q.mu.Unlock()
}

// Dial is the public contract's dial(target, options) -> Connection.
func (q *DialQueue) Dial(ctx context.Context, target Target, opts DialOptions) (network.Connection, error) {
	p, explicit, err := normalizeTarget(target)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, network.NewError(network.KindAbort, "dial queue stopped", nil)
	}
	q.mu.Unlock()

	aggCtx, cancel, reason := q.aggregateContext(ctx)
	defer cancel()

	addrs, err := q.calculateMultiaddrs(aggCtx, p, explicit)
	if err != nil {
		return nil, err
	}

	pd, owner := q.joinOrCreate(p, addrs)
	if !owner {
		select {
		case <-pd.done:
			return pd.conn, pd.err
		case <-aggCtx.Done():
			if reason.isTimeout() {
				return nil, network.NewError(network.KindTimeout, "timed out waiting for a shared dial", aggCtx.Err())
			}
			return nil, network.NewError(network.KindAbort, "cancelled while waiting for a shared dial", aggCtx.Err())
		}
	}

	conn, dialErr := q.performDial(aggCtx, pd)
	if dialErr != nil && reason.isTimeout() {
		dialErr = rewriteTimeout(dialErr)
	}
	q.finishDial(pd, conn, dialErr)

	if dialErr != nil && p != "" && q.peerStore != nil {
		q.recordDialFailure(p)
	}

	return conn, dialErr
}

// joinOrCreate implements spec section 4.1 step 4: dedup against in-flight
// dials, or register a new one and claim ownership of running it.
func (q *DialQueue) joinOrCreate(p peer.ID, addrs []address.Address) (*pendingDial, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.pending {
		if existing.matches(p, addrs) {
			return existing, false
		}
	}

	pd := newPendingDial(p, addrs)
	q.pending = append(q.pending, pd)
	q.pendingDialCount++
	return pd, true
}

// finishDial removes pd from the registry and wakes every joiner (spec
// section 4.1 step 7, "Bookkeeping").
func (q *DialQueue) finishDial(pd *pendingDial, conn network.Connection, err error) {
	q.mu.Lock()
	for i, e := range q.pending {
		if e == pd {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	// activateCandidate already took an active dial out of the queue-depth
	// count; only a dial that never got that far is still counted here.
	if pd.status == statusQueued {
		q.pendingDialCount--
	}
	q.mu.Unlock()

	pd.finish(conn, err)
}

// recordDialFailure best-effort patches the peer store with the
// last-dial-failure timestamp (spec section 4.1 step 6, section 9). It
// never fails the primary dial.
func (q *DialQueue) recordDialFailure(p peer.ID) {
	ts := []byte(formatUnixMillis(q.clock.Now()))
	if err := q.peerStore.Patch(p, map[string][]byte{peerstore.LastDialFailureKey: ts}); err != nil {
		log.Debugw("failed to record last-dial-failure", "peer", p.ShortString(), "error", err)
	}
}

// aggregateContext combines the dial timeout, the shutdown signal, and the
// caller's own cancellation into one derived context (spec section 4.1
// step 2). reason records which of the three fired first, if any.
func (q *DialQueue) aggregateContext(caller context.Context) (context.Context, context.CancelFunc, *abortReason) {
	ctx, cancel := context.WithCancel(context.Background())
	reason := &abortReason{}
	timer := q.clock.Timer(q.cfg.DialTimeout)

	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			reason.setTimeout()
			cancel()
		case <-q.shutdownCh:
			reason.setShutdown()
			cancel()
		case <-caller.Done():
			reason.setCaller()
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel, reason
}

// formatUnixMillis renders a timestamp as decimal digits, matching the
// byte-string encoding the last-dial-failure metadata key must preserve
// (spec section 9).
func formatUnixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

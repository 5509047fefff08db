package upgrader

import (
	"context"
	"fmt"
	"sync"

	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
	tec "github.com/jbenet/go-temp-err-catcher"
	"golang.org/x/sync/semaphore"
)

// AcceptSource is the narrow slice of a transport listener this package
// depends on: something that hands back one raw connection at a time. The
// concrete listener (TCP accept loop, QUIC accept loop, ...) is out of
// scope; only the upgrade-and-queue wiring around it belongs here.
type AcceptSource interface {
	Accept() (transport.RawConn, error)
	Close() error
}

// DefaultAcceptQueueLength is the default cap on connections a listener
// holds at once, counting both those still being upgraded and those
// upgraded but waiting for Accept.
const DefaultAcceptQueueLength = 16

// Listener drives an AcceptSource through UpgradeInbound, negotiating
// connections concurrently while backpressuring once queueLen of them are
// either being upgraded or upgraded but not yet accepted.
type Listener struct {
	source   AcceptSource
	upgrader *Upgrader
	opts     Options

	incoming  chan network.Connection
	err       error
	threshold *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

// NewListener builds a Listener over source and starts its accept loop.
// queueLen <= 0 uses DefaultAcceptQueueLength.
func NewListener(source AcceptSource, up *Upgrader, opts Options, queueLen int) *Listener {
	if queueLen <= 0 {
		queueLen = DefaultAcceptQueueLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		source:    source,
		upgrader:  up,
		opts:      opts,
		incoming:  make(chan network.Connection),
		threshold: semaphore.NewWeighted(int64(queueLen)),
		ctx:       ctx,
		cancel:    cancel,
	}
	go l.handleIncoming()
	return l
}

// Close tears the listener down, along with its underlying accept source.
func (l *Listener) Close() error {
	err := l.source.Close()
	l.cancel()
	for c := range l.incoming {
		c.Abort(network.NewError(network.KindAbort, "listener closed", nil))
	}
	return err
}

// handleIncoming mirrors a standard accept loop: temporary accept errors
// are logged and retried, fatal ones stop the loop; each accepted raw
// connection is upgraded concurrently, and the semaphore-based threshold
// keeps at most queueLen upgrades outstanding at once so one slow Accept
// caller can't let unboundedly many upgraded connections pile up.
func (l *Listener) handleIncoming() {
	var wg sync.WaitGroup
	defer func() {
		l.source.Close()
		if l.err == nil {
			l.err = fmt.Errorf("listener closed")
		}
		wg.Wait()
		close(l.incoming)
	}()

	var catcher tec.TempErrCatcher
	for l.ctx.Err() == nil {
		raw, err := l.source.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				log.Infof("temporary accept error: %s", err)
				continue
			}
			l.err = err
			return
		}
		catcher.Reset()

		if err := l.threshold.Acquire(l.ctx, 1); err != nil {
			raw.Abort(err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.threshold.Release(1)

			conn, err := l.upgrader.UpgradeInbound(l.ctx, raw, l.opts)
			if err != nil {
				log.Debugf("accept upgrade error: %s (remote %s)", err, raw.RemoteAddr())
				return
			}

			select {
			case l.incoming <- conn:
			case <-l.ctx.Done():
				conn.Abort(network.NewError(network.KindAbort, "listener closed before accept", nil))
			}
		}()
	}
}

// Accept returns the next fully-upgraded inbound connection.
func (l *Listener) Accept() (network.Connection, error) {
	for c := range l.incoming {
		if c.Status() != network.StatusClosed {
			return c, nil
		}
	}
	return nil, l.err
}

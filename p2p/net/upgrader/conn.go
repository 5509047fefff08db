package upgrader

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/negotiate"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/registrar"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
)

// streamKey identifies one (protocol, direction) bucket for the per-protocol
// open-stream counters (invariant 3).
type streamKey struct {
	protocol  string
	direction network.Direction
}

// Connection is the concrete network.Connection produced by the Upgrader.
type Connection struct {
	raw        transport.RawConn
	direction  network.Direction
	remotePeer peer.ID
	encryption string
	transient  bool

	u *Upgrader

	mux         muxer.StreamMuxer
	muxProtocol string

	mu         sync.Mutex
	status     network.Status
	timeline   network.Timeline
	streams    map[*Stream]struct{}
	streamCaps map[streamKey]int

	closeOnce sync.Once
}

var _ network.Connection = (*Connection)(nil)

// connParams bundles what newConnection needs to finish building a
// Connection after the Encrypt and Multiplex phases have already run.
type connParams struct {
	raw           transport.RawConn
	direction     network.Direction
	remotePeer    peer.ID
	encryption    string
	transient     bool
	muxFactory    muxer.StreamMuxerFactory
	muxProtocol   string
	muxUnderlying io.ReadWriteCloser
	upgrader      *Upgrader
}

// newConnection finishes the Multiplex construction step and publishes the
// Connection (spec section 4.2, "Connection construction").
//
// c is allocated before the muxer factory runs so that the OnIncomingStream
// callback handed to it can close over c directly: the callback only reads
// c's fields once the muxer starts delivering streams, which never happens
// before this function returns c to its caller. This is the "late-bound
// slot" read from a forward reference, not a closure-based mutual
// reference (see core/muxer's IncomingStreamHandler doc).
func newConnection(p connParams) (*Connection, error) {
	c := &Connection{
		raw:        p.raw,
		direction:  p.direction,
		remotePeer: p.remotePeer,
		encryption: p.encryption,
		transient:  p.transient,
		u:          p.upgrader,
		status:     network.StatusOpen,
		streams:    make(map[*Stream]struct{}),
		streamCaps: make(map[streamKey]int),
	}

	if tl := p.raw.Timeline(); tl != nil {
		c.timeline.Open = tl.Open
	}
	c.timeline.Upgraded = c.now()
	if tl := p.raw.Timeline(); tl != nil {
		tl.Upgraded = c.timeline.Upgraded
	}

	if p.muxFactory != nil {
		mx, err := p.muxFactory.CreateStreamMuxer(muxer.StreamMuxerConfig{
			Direction:        p.direction.String(),
			Underlying:       p.muxUnderlying,
			OnIncomingStream: c.onIncomingStream,
		})
		if err != nil {
			return nil, network.NewError(network.KindMuxerUnavailable, "failed to start stream muxer", err)
		}
		c.mux = mx
		c.muxProtocol = p.muxProtocol
	}

	p.raw.OnClose(c.finishClose)

	if c.u.cfg.Notifiee != nil {
		c.u.cfg.Notifiee.Opened(c)
	}
	return c, nil
}

func (c *Connection) now() time.Time { return c.u.cfg.Clock.Now() }

// RemoteAddr returns the address of the peer at the other end.
func (c *Connection) RemoteAddr() address.Address { return c.raw.RemoteAddr() }

// RemotePeer returns the identity of the peer at the other end.
func (c *Connection) RemotePeer() peer.ID { return c.remotePeer }

// Direction reports which side dialed.
func (c *Connection) Direction() network.Direction { return c.direction }

// Status reports the current lifecycle state.
func (c *Connection) Status() network.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Encryption is the negotiated encrypter's capability string, or
// NativeProtocol.
func (c *Connection) Encryption() string { return c.encryption }

// Multiplexer is the negotiated muxer's capability string, or "" if this
// Connection has none (invariant 2).
func (c *Connection) Multiplexer() string { return c.muxProtocol }

// Transient reports whether this is a limited-privilege connection.
func (c *Connection) Transient() bool { return c.transient }

// Timeline exposes the lifecycle timestamps.
func (c *Connection) Timeline() network.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeline
}

// GetStreams returns a snapshot of currently open streams.
func (c *Connection) GetStreams() []network.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]network.Stream, 0, len(c.streams))
	for s := range c.streams {
		out = append(out, s)
	}
	return out
}

// NewStream negotiates protocolList over a newly opened muxed stream (spec
// section 4.2, "newStream").
func (c *Connection) NewStream(ctx context.Context, protocolList []string) (network.Stream, error) {
	if c.mux == nil {
		return nil, network.NewError(network.KindConnectionNotMultiplexed, "connection has no stream muxer", nil)
	}

	ms, err := c.mux.NewStream()
	if err != nil {
		return nil, network.NewError(network.KindMuxerUnavailable, "failed to open muxed stream", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultNewStreamTimeout)
		defer cancel()
	}

	negotiated, err := c.negotiateWithContext(ctx, ms, protocolList, true)
	if err != nil {
		ms.Reset()
		return nil, err
	}

	limit := registrar.DefaultMaxOutboundStreams
	if c.u.cfg.Registrar != nil {
		if reg, err := c.u.cfg.Registrar.GetHandler(negotiated.Protocol); err == nil && reg.Options.MaxOutboundStreams > 0 {
			limit = reg.Options.MaxOutboundStreams
		}
	}

	key := streamKey{protocol: negotiated.Protocol, direction: network.DirOutbound}
	c.mu.Lock()
	if c.streamCaps[key] >= limit {
		c.mu.Unlock()
		ms.Reset()
		return nil, network.NewError(network.KindTooManyOutboundProtocolStreams, fmt.Sprintf("protocol %s outbound stream cap (%d) reached", negotiated.Protocol, limit), nil)
	}
	c.streamCaps[key]++
	c.mu.Unlock()

	if c.u.cfg.PeerStore != nil {
		if err := c.u.cfg.PeerStore.Merge(c.remotePeer, []string{negotiated.Protocol}); err != nil {
			log.Debugw("failed to record negotiated protocol", "peer", c.remotePeer.ShortString(), "protocol", negotiated.Protocol, "error", err)
		}
	}

	s := newStream(negotiated.Stream, ms, negotiated.Protocol, network.DirOutbound, key, c)
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// onIncomingStream is the muxer's IncomingStreamHandler: negotiate,
// enforce the inbound cap, update the peer store, and dispatch to the
// registered handler (spec section 4.2, "onIncomingStream").
func (c *Connection) onIncomingStream(ms muxer.MuxedStream) {
	protocols := []string{}
	if c.u.cfg.Registrar != nil {
		protocols = c.u.cfg.Registrar.GetProtocols()
	}
	negotiated, err := c.u.cfg.Negotiator.Handle(ms, protocols)
	if err != nil {
		ms.Reset()
		return
	}

	var reg registrar.Registration
	if c.u.cfg.Registrar != nil {
		reg, err = c.u.cfg.Registrar.GetHandler(negotiated.Protocol)
	} else {
		err = registrar.ErrNoHandlerForProtocol
	}
	if err != nil {
		ms.Reset()
		return
	}

	limit := registrar.DefaultMaxInboundStreams
	if reg.Options.MaxInboundStreams > 0 {
		limit = reg.Options.MaxInboundStreams
	}

	key := streamKey{protocol: negotiated.Protocol, direction: network.DirInbound}
	c.mu.Lock()
	if c.streamCaps[key] == limit {
		c.mu.Unlock()
		ms.Reset()
		return
	}
	c.streamCaps[key]++
	c.mu.Unlock()

	if c.u.cfg.PeerStore != nil {
		if err := c.u.cfg.PeerStore.Merge(c.remotePeer, []string{negotiated.Protocol}); err != nil {
			log.Debugw("failed to record negotiated protocol", "peer", c.remotePeer.ShortString(), "protocol", negotiated.Protocol, "error", err)
		}
	}

	s := newStream(negotiated.Stream, ms, negotiated.Protocol, network.DirInbound, key, c)
	c.mu.Lock()
	c.streams[s] = struct{}{}
	c.mu.Unlock()

	if c.transient && !reg.Options.RunOnTransientConnection {
		s.Reset()
		return
	}

	go reg.Handler(s)
}

// negotiateWithContext runs a capability negotiation in its own goroutine
// and races it against ctx, since the negotiate.Negotiator contract itself
// takes no context (it is specified only through the external
// multi-codec line protocol, out of scope here). This is the suspension
// point named by spec section 5 for "multi-codec negotiation".
func (c *Connection) negotiateWithContext(ctx context.Context, stream muxer.MuxedStream, protocolList []string, initiator bool) (negotiate.Result, error) {
	type outcome struct {
		res negotiate.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		if initiator {
			res, err := c.u.cfg.Negotiator.Select(stream, protocolList)
			ch <- outcome{res, err}
			return
		}
		res, err := c.u.cfg.Negotiator.Handle(stream, protocolList)
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return negotiate.Result{}, network.NewError(network.KindUnsupportedProtocol, "no shared protocol with remote", o.err)
		}
		return o.res, nil
	case <-ctx.Done():
		return negotiate.Result{}, network.NewError(network.KindTimeout, "protocol negotiation timed out", ctx.Err())
	}
}

func (c *Connection) removeStream(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	if n := c.streamCaps[s.key] - 1; n > 0 {
		c.streamCaps[s.key] = n
	} else {
		delete(c.streamCaps, s.key)
	}
	c.mu.Unlock()
}

// Close performs a graceful shutdown: raw transport, then the muxer.
func (c *Connection) Close(ctx context.Context) error {
	if !c.beginClosing() {
		return nil
	}
	var muxErr error
	if c.mux != nil {
		muxErr = c.mux.Close()
	}
	rawErr := c.raw.Close()
	c.finishClose(firstErr(rawErr, muxErr))
	return firstErr(rawErr, muxErr)
}

// Abort tears the connection down immediately.
func (c *Connection) Abort(err error) error {
	c.beginClosing()
	if c.mux != nil {
		c.mux.Abort(err)
	}
	c.raw.Abort(err)
	c.finishClose(err)
	return nil
}

func (c *Connection) beginClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != network.StatusOpen {
		return false
	}
	c.status = network.StatusClosing
	return true
}

// finishClose performs the closing -> closed transition and fires
// connection:close exactly once (invariant 5), regardless of whether it
// was reached via Close, Abort, or an unsolicited raw connection close
// (registered through transport.RawConn.OnClose at construction).
func (c *Connection) finishClose(error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = network.StatusClosed
		c.timeline.Close = c.now()
		c.mu.Unlock()
		if c.u.cfg.Notifiee != nil {
			c.u.cfg.Notifiee.Closed(c)
		}
	})
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

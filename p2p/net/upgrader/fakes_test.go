package upgrader

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/gater"
	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/negotiate"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
	"github.com/ferrolabs/go-p2p-transport/core/sec"
	"github.com/ferrolabs/go-p2p-transport/core/transport"
)

// fakeRawConn is an in-memory transport.RawConn: Read/Write are no-ops (the
// tests exercise the state machine and bookkeeping, not byte-level wire
// behavior), but OnClose/Close/Abort are real so close-propagation tests
// hold.
type fakeRawConn struct {
	addr address.Address

	mu       sync.Mutex
	closed   bool
	closeCbs []func(error)
	timeline network.Timeline
}

var _ transport.RawConn = (*fakeRawConn)(nil)

func (c *fakeRawConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *fakeRawConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeRawConn) RemoteAddr() address.Address { return c.addr }

func (c *fakeRawConn) Timeline() *network.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &c.timeline
}

func (c *fakeRawConn) OnClose(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCbs = append(c.closeCbs, cb)
}

func (c *fakeRawConn) Close() error { return c.Abort(nil) }

func (c *fakeRawConn) Abort(err error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cbs := c.closeCbs
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
	return nil
}

func (c *fakeRawConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// negotiationCall records one Handle/Select invocation for assertions about
// which phases actually ran (used to prove a gater short-circuit skipped a
// later phase).
type negotiationCall struct {
	protocolList []string
	initiator    bool
}

// fakeNegotiator always agrees on the first offered protocol, recording
// every call it processes.
type fakeNegotiator struct {
	mu    sync.Mutex
	calls []negotiationCall

	// failProtocol, if set, makes Handle/Select fail when that protocol is
	// in the candidate list.
	failProtocol string
}

var _ negotiate.Negotiator = (*fakeNegotiator)(nil)

func (n *fakeNegotiator) record(protocolList []string, initiator bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, negotiationCall{protocolList: protocolList, initiator: initiator})
}

func (n *fakeNegotiator) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNegotiator) agree(stream io.ReadWriteCloser, protocolList []string, initiator bool) (negotiate.Result, error) {
	n.record(protocolList, initiator)
	if len(protocolList) == 0 {
		return negotiate.Result{}, errors.New("fake negotiator: no candidate protocols")
	}
	for _, p := range protocolList {
		if p == n.failProtocol {
			return negotiate.Result{}, errors.New("fake negotiator: forced failure")
		}
	}
	return negotiate.Result{Stream: stream, Protocol: protocolList[0]}, nil
}

func (n *fakeNegotiator) Select(stream io.ReadWriteCloser, protocolList []string) (negotiate.Result, error) {
	return n.agree(stream, protocolList, true)
}

func (n *fakeNegotiator) Handle(stream io.ReadWriteCloser, protocolList []string) (negotiate.Result, error) {
	return n.agree(stream, protocolList, false)
}

// fakeEncrypter is a pass-through "encrypter": it doesn't touch bytes, just
// stamps a remote peer identity.
type fakeEncrypter struct {
	protocol   string
	remotePeer peer.ID
}

var _ sec.ConnectionEncrypter = (*fakeEncrypter)(nil)

func (e *fakeEncrypter) Protocol() string { return e.protocol }

func (e *fakeEncrypter) SecureInbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser) (sec.SecureConn, error) {
	return sec.SecureConn{Conn: stream, RemotePeer: e.remotePeer}, nil
}

func (e *fakeEncrypter) SecureOutbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser, expectedRemote peer.ID) (sec.SecureConn, error) {
	if expectedRemote != "" && expectedRemote != e.remotePeer {
		return sec.SecureConn{}, errors.New("fake encrypter: remote peer mismatch")
	}
	return sec.SecureConn{Conn: stream, RemotePeer: e.remotePeer}, nil
}

// blockingEncrypter models a remote that never finishes the handshake: it
// only returns when ctx is canceled, so it can only unblock via the
// Upgrader's inbound timeout.
type blockingEncrypter struct {
	protocol string

	// started, if non-nil, is closed the instant SecureInbound/SecureOutbound
	// is entered, letting a test know it is safe to advance a mock clock.
	started chan struct{}
	once    sync.Once
}

var _ sec.ConnectionEncrypter = (*blockingEncrypter)(nil)

func (e *blockingEncrypter) Protocol() string { return e.protocol }

func (e *blockingEncrypter) signalStarted() {
	if e.started == nil {
		return
	}
	e.once.Do(func() { close(e.started) })
}

func (e *blockingEncrypter) SecureInbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser) (sec.SecureConn, error) {
	e.signalStarted()
	<-ctx.Done()
	return sec.SecureConn{}, ctx.Err()
}

func (e *blockingEncrypter) SecureOutbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser, expectedRemote peer.ID) (sec.SecureConn, error) {
	e.signalStarted()
	<-ctx.Done()
	return sec.SecureConn{}, ctx.Err()
}

// fakeMuxedStream is an in-memory muxer.MuxedStream.
type fakeMuxedStream struct {
	mu     sync.Mutex
	closed bool
	reset  bool
}

var _ muxer.MuxedStream = (*fakeMuxedStream)(nil)

func (s *fakeMuxedStream) Read(p []byte) (int, error)  { return 0, io.EOF }
func (s *fakeMuxedStream) Write(p []byte) (int, error) { return len(p), nil }

func (s *fakeMuxedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeMuxedStream) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset = true
	return nil
}

// fakeMuxer is an in-memory muxer.StreamMuxer: NewStream just mints fresh
// fakeMuxedStreams, and a test can push a stream to the registered
// OnIncomingStream handler directly via deliver.
type fakeMuxer struct {
	protocol string
	cfg      muxer.StreamMuxerConfig

	mu      sync.Mutex
	opened  []*fakeMuxedStream
	closed  bool
	aborted bool
}

var _ muxer.StreamMuxer = (*fakeMuxer)(nil)

func (m *fakeMuxer) Protocol() string { return m.protocol }

func (m *fakeMuxer) NewStream() (muxer.MuxedStream, error) {
	s := &fakeMuxedStream{}
	m.mu.Lock()
	m.opened = append(m.opened, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMuxer) Streams() []muxer.MuxedStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]muxer.MuxedStream, len(m.opened))
	for i, s := range m.opened {
		out[i] = s
	}
	return out
}

func (m *fakeMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMuxer) Abort(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return nil
}

// deliver hands a fresh incoming stream to the muxer's registered handler,
// simulating the remote opening one.
func (m *fakeMuxer) deliver() *fakeMuxedStream {
	s := &fakeMuxedStream{}
	m.cfg.OnIncomingStream(s)
	return s
}

type fakeMuxerFactory struct {
	protocol string

	mu      sync.Mutex
	created []*fakeMuxer
}

var _ muxer.StreamMuxerFactory = (*fakeMuxerFactory)(nil)

func (f *fakeMuxerFactory) Protocol() string { return f.protocol }

func (f *fakeMuxerFactory) CreateStreamMuxer(cfg muxer.StreamMuxerConfig) (muxer.StreamMuxer, error) {
	m := &fakeMuxer{protocol: f.protocol, cfg: cfg}
	f.mu.Lock()
	f.created = append(f.created, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeMuxerFactory) last() *fakeMuxer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeNotifiee records Opened/Closed calls in order.
type fakeNotifiee struct {
	mu     sync.Mutex
	events []string
}

var _ network.Notifiee = (*fakeNotifiee)(nil)

func (n *fakeNotifiee) Opened(c network.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "open:"+string(c.RemotePeer()))
}

func (n *fakeNotifiee) Closed(c network.Connection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "close:"+string(c.RemotePeer()))
}

func (n *fakeNotifiee) log() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	copy(out, n.events)
	return out
}

// fakeGater lets a test deny exactly one named phase.
type fakeGater struct {
	denyInboundConnection              bool
	denyOutboundConnectionFn           func(peer.ID) bool
	denyInboundEncryptedConnectionFn   func(peer.ID) bool
	denyOutboundEncryptedConnectionFn  func(peer.ID) bool
	denyInboundUpgradedConnectionFn    func(peer.ID) bool
	denyOutboundUpgradedConnectionFn   func(peer.ID) bool
}

var _ gater.ConnectionGater = (*fakeGater)(nil)

func (g *fakeGater) DenyDialPeer(peer.ID) bool                        { return false }
func (g *fakeGater) DenyDialMultiaddr(peer.ID, address.Address) bool   { return false }
func (g *fakeGater) DenyInboundConnection() bool                      { return g.denyInboundConnection }

func (g *fakeGater) DenyOutboundConnection(p peer.ID, _ address.Address) bool {
	if g.denyOutboundConnectionFn == nil {
		return false
	}
	return g.denyOutboundConnectionFn(p)
}

func (g *fakeGater) DenyInboundEncryptedConnection(p peer.ID) bool {
	if g.denyInboundEncryptedConnectionFn == nil {
		return false
	}
	return g.denyInboundEncryptedConnectionFn(p)
}

func (g *fakeGater) DenyOutboundEncryptedConnection(p peer.ID) bool {
	if g.denyOutboundEncryptedConnectionFn == nil {
		return false
	}
	return g.denyOutboundEncryptedConnectionFn(p)
}

func (g *fakeGater) DenyInboundUpgradedConnection(p peer.ID, _ address.Address) bool {
	if g.denyInboundUpgradedConnectionFn == nil {
		return false
	}
	return g.denyInboundUpgradedConnectionFn(p)
}

func (g *fakeGater) DenyOutboundUpgradedConnection(p peer.ID, _ address.Address) bool {
	if g.denyOutboundUpgradedConnectionFn == nil {
		return false
	}
	return g.denyOutboundUpgradedConnectionFn(p)
}

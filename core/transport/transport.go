// Package transport describes the contract that transport drivers (TCP,
// QUIC, and friends) must satisfy. Concrete drivers are out of scope for
// this runtime: they are external collaborators, specified here only
// through the Driver interface.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/network"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// RawConn is the bidirectional byte connection a Driver hands back from
// Dial, or that is handed to the Upgrader on accept. Its Timeline is
// mutable: the upgrader sets Upgraded exactly once, and installs an
// observer on Close to drive Connection close propagation (see
// p2p/net/upgrader for the "timeline proxy" wiring).
type RawConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// RemoteAddr is the address this connection was dialed to or accepted
	// from.
	RemoteAddr() address.Address

	// Timeline returns a pointer to the mutable timeline record shared
	// with the caller, so that writes to it (in particular, setting
	// Close) are observable.
	Timeline() *network.Timeline

	// OnClose registers cb to run exactly once, whenever this raw
	// connection finishes closing, whether that close was initiated by
	// Close, Abort, or the remote end. This replaces a timeline-property
	// interceptor (observing writes to Timeline.Close) with an explicit
	// callback registration, which a driver can satisfy without any
	// cooperation from its caller; see the upgrader's connection close
	// propagation for the one registered callback.
	OnClose(cb func(err error))

	// Close shuts the connection down gracefully.
	Close() error
	// Abort shuts the connection down immediately; err is informational.
	Abort(err error) error
}

// DialOptions carries the per-dial knobs a Driver needs to honor.
type DialOptions struct {
	// Context carries the aggregate cancellation signal for this dial
	// attempt (see DialQueue section 4.1 step 2); the driver must select
	// on ctx.Done() at every suspension point.
	Context context.Context
}

// Driver is the contract a transport implementation (TCP, QUIC, ...)
// provides to the dial queue and to listeners. Dial is expected to return a
// RawConn suitable for the Upgrader (transports are free to run the
// upgrade internally and hand back a network.Connection wrapped as a
// RawConn-compatible shim; that wiring is the driver's concern, not the
// dial queue's).
type Driver interface {
	// Dial opens a connection to addr. It must honor opts.Context
	// cancellation at every suspension point.
	Dial(ctx context.Context, addr address.Address, opts DialOptions) (RawConn, error)

	// CanDial reports whether this driver knows how to dial addr. It is
	// used to pre-filter candidate addresses; returning true does not
	// guarantee Dial will succeed.
	CanDial(addr address.Address) bool
}

// Registry resolves an Address to the Driver that can dial it, mirroring
// Swarm.TransportForDialing: the first registered driver that claims
// CanDial wins.
type Registry struct {
	drivers []Driver
}

// NewRegistry builds an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a driver. Order matters only as a tiebreaker when more than
// one driver claims the same address.
func (r *Registry) Add(d Driver) {
	r.drivers = append(r.drivers, d)
}

// TransportForMultiaddr returns the first registered driver willing to dial
// addr, or nil if none claims it.
func (r *Registry) TransportForMultiaddr(addr address.Address) Driver {
	for _, d := range r.drivers {
		if d.CanDial(addr) {
			return d
		}
	}
	return nil
}

// ErrNoTransport describes the case where no driver claims an address. The
// dial queue does not return it: it reports that case as a per-candidate
// TRANSPORT_DIAL_FAILED error.
var ErrNoTransport = errors.New("transport: no driver for address")

// Resolver expands a single address (e.g. a DNS multiaddr) into zero or more
// concrete addresses. Registered per address-scheme name in DialQueue's
// configuration.
type Resolver interface {
	Resolve(ctx context.Context, addr address.Address) ([]address.Address, error)
}

// DefaultResolveTimeout bounds a single resolver call when the caller's
// dial-level timeout is much larger; resolvers are still expected to honor
// ctx first.
const DefaultResolveTimeout = 5 * time.Second

// PeerForRawConn is a convenience accessor used by callers that need the
// remote peer identity before the security handshake has produced one: the
// upgrader uses it for the outbound pre-upgrade gater check and for
// skipEncryption upgrades.
func PeerForRawConn(c RawConn) peer.ID {
	return c.RemoteAddr().Peer
}

package network

import (
	"context"

	"github.com/ferrolabs/go-p2p-transport/core/address"
	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// Connection is the contract published by the upgrade pipeline (directly)
// and by the dial queue (after racing candidates). Its timeline and
// close/abort semantics are part of the spec: see Timeline and the package
// doc for p2p/net/upgrader.
type Connection interface {
	// RemoteAddr is the address of the peer at the other end.
	RemoteAddr() address.Address
	// RemotePeer is the identity of the peer at the other end.
	RemotePeer() peer.ID
	// Direction reports which side dialed.
	Direction() Direction
	// Status reports the current lifecycle state.
	Status() Status
	// Encryption is the capability string of the negotiated encrypter, or
	// NativeProtocol if encryption was provided by the transport itself.
	Encryption() string
	// Multiplexer is the capability string of the negotiated stream muxer,
	// or "" if the connection has none (see invariant 2).
	Multiplexer() string
	// Transient reports whether this is a limited-privilege connection.
	Transient() bool
	// Timeline exposes the lifecycle timestamps.
	Timeline() Timeline

	// NewStream negotiates protocolList over a newly opened muxed stream
	// and returns it tagged with the agreed protocol. Fails with
	// KindConnectionNotMultiplexed if there is no muxer.
	NewStream(ctx context.Context, protocolList []string) (Stream, error)
	// GetStreams returns a snapshot of currently open streams.
	GetStreams() []Stream

	// Close performs a graceful shutdown: closes the raw transport, then
	// (if present) the muxer, allowing remaining streams to drain per
	// muxer policy.
	Close(ctx context.Context) error
	// Abort tears down the connection immediately, discarding err only for
	// diagnostic purposes; it does not retry or degrade behavior based on
	// err's value.
	Abort(err error) error
}

// Notifiee observes Connection lifecycle transitions. Opened is delivered
// exactly once per Connection, before any Closed delivery for the same
// Connection (see invariant 5 and the ordering guarantees in section 5).
type Notifiee interface {
	Opened(Connection)
	Closed(Connection)
}

// NotifieeFuncs adapts two functions into a Notifiee; a nil field is a no-op.
type NotifieeFuncs struct {
	OpenedFunc func(Connection)
	ClosedFunc func(Connection)
}

func (n NotifieeFuncs) Opened(c Connection) {
	if n.OpenedFunc != nil {
		n.OpenedFunc(c)
	}
}

func (n NotifieeFuncs) Closed(c Connection) {
	if n.ClosedFunc != nil {
		n.ClosedFunc(c)
	}
}

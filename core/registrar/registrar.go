// Package registrar describes the catalogue of application protocol
// handlers consulted by the upgrader when opening or accepting streams.
package registrar

import (
	"errors"

	"github.com/ferrolabs/go-p2p-transport/core/network"
)

// ErrNoHandlerForProtocol is returned by GetHandler when no handler is
// registered for the requested protocol.
var ErrNoHandlerForProtocol = errors.New(string(network.KindNoHandlerForProtocol))

// StreamHandler processes a single accepted application stream.
type StreamHandler func(network.Stream)

// HandlerOptions carries the per-protocol policy consulted by the upgrader
// when enforcing stream caps and transient-connection opt-in.
type HandlerOptions struct {
	// MaxInboundStreams caps concurrently open inbound streams for this
	// protocol on a single connection. Zero means "use the default".
	MaxInboundStreams int
	// MaxOutboundStreams caps concurrently open outbound streams for this
	// protocol on a single connection. Zero means "use the default".
	MaxOutboundStreams int
	// RunOnTransientConnection opts this handler into running on
	// limited-privilege (transient) connections; otherwise such streams
	// fail with KindTransientConnection.
	RunOnTransientConnection bool
}

// Registration bundles a handler with its options.
type Registration struct {
	Handler StreamHandler
	Options HandlerOptions
}

// Registrar is the catalogue of application protocol handlers.
type Registrar interface {
	// GetHandler looks up the registration for protocol, or returns
	// ErrNoHandlerForProtocol.
	GetHandler(protocol string) (Registration, error)
	// GetProtocols returns every currently registered capability string,
	// in an implementation-defined but stable order, for use as the
	// responder's candidate list during stream negotiation.
	GetProtocols() []string
}

// DefaultMaxInboundStreams is applied when a matched handler's
// MaxInboundStreams is zero.
const DefaultMaxInboundStreams = 128

// DefaultMaxOutboundStreams is applied when a matched handler's
// MaxOutboundStreams is zero.
const DefaultMaxOutboundStreams = 128

// Map is a simple in-memory Registrar, sufficient for tests and for
// programs that register handlers once at startup.
type Map struct {
	order []string
	byID  map[string]Registration
}

// NewMap builds an empty Map registrar.
func NewMap() *Map {
	return &Map{byID: make(map[string]Registration)}
}

// SetHandler registers (or replaces) the handler for protocol.
func (m *Map) SetHandler(protocol string, reg Registration) {
	if _, exists := m.byID[protocol]; !exists {
		m.order = append(m.order, protocol)
	}
	m.byID[protocol] = reg
}

func (m *Map) GetHandler(protocol string) (Registration, error) {
	reg, ok := m.byID[protocol]
	if !ok {
		return Registration{}, ErrNoHandlerForProtocol
	}
	return reg, nil
}

func (m *Map) GetProtocols() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

var _ Registrar = (*Map)(nil)

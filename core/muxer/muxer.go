// Package muxer describes the StreamMuxerFactory contract consulted during
// the Multiplex phase of the upgrade pipeline. Concrete muxers (yamux,
// mplex, ...) are out of scope: specified here only through their contract.
package muxer

import "io"

// IncomingStreamHandler is invoked by a StreamMuxer for every stream the
// remote opens. It is late-bound: the Upgrader builds the muxer with a
// handler that reads the enclosing Connection from a slot populated only
// once construction finishes, avoiding a closure-based cycle between the
// Connection and the muxer (see design note in p2p/net/upgrader).
type IncomingStreamHandler func(MuxedStream)

// MuxedStream is a single multiplexed stream before capability negotiation
// has tagged it with an application protocol.
type MuxedStream interface {
	io.ReadWriteCloser
	// Reset aborts the stream, signaling an error to both ends.
	Reset() error
}

// StreamMuxerConfig carries the construction-time parameters a factory
// needs.
type StreamMuxerConfig struct {
	Direction          string // "inbound" or "outbound", informational
	OnIncomingStream   IncomingStreamHandler
	Underlying         io.ReadWriteCloser
}

// StreamMuxer overlays many independent bidirectional streams on one byte
// connection.
type StreamMuxer interface {
	// Protocol is this muxer's capability string.
	Protocol() string
	// NewStream opens a new outbound muxed stream.
	NewStream() (MuxedStream, error)
	// Streams returns a snapshot of currently open muxed streams.
	Streams() []MuxedStream
	// Close closes the muxer gracefully, allowing streams to drain.
	Close() error
	// Abort closes the muxer immediately.
	Abort(err error) error
}

// StreamMuxerFactory constructs a StreamMuxer for a given underlying byte
// connection.
type StreamMuxerFactory interface {
	// Protocol is this factory's capability string.
	Protocol() string
	// CreateStreamMuxer builds and starts a muxer over cfg.Underlying.
	CreateStreamMuxer(cfg StreamMuxerConfig) (StreamMuxer, error)
}

// Registry maps capability strings to registered muxer factories, in
// registration order.
type Registry struct {
	order []string
	byID  map[string]StreamMuxerFactory
}

// NewRegistry builds an empty muxer registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]StreamMuxerFactory)}
}

// Add registers f under its own Protocol string.
func (r *Registry) Add(f StreamMuxerFactory) {
	p := f.Protocol()
	if _, exists := r.byID[p]; !exists {
		r.order = append(r.order, p)
	}
	r.byID[p] = f
}

// Protocols returns registered capability strings in registration order.
func (r *Registry) Protocols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up a previously negotiated capability string.
func (r *Registry) Get(protocol string) (StreamMuxerFactory, bool) {
	f, ok := r.byID[protocol]
	return f, ok
}

// Len reports how many factories are registered.
func (r *Registry) Len() int { return len(r.order) }

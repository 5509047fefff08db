// Package sec describes the ConnectionEncrypter contract consulted during
// the Encrypt phase of the upgrade pipeline. Concrete encrypters (Noise,
// TLS, ...) are out of scope: this runtime negotiates and drives whichever
// implementations are registered, by capability string.
package sec

import (
	"context"
	"io"

	"github.com/ferrolabs/go-p2p-transport/core/peer"
)

// SecureConn is the result of a successful handshake: an authenticated,
// encrypted byte stream plus the remote identity it was run against.
type SecureConn struct {
	Conn       io.ReadWriteCloser
	RemotePeer peer.ID
}

// ConnectionEncrypter turns an unauthenticated byte stream into an
// authenticated, encrypted one. Protocol is the capability string
// advertised during negotiation (see core/negotiate).
type ConnectionEncrypter interface {
	// Protocol is this encrypter's capability string.
	Protocol() string

	// SecureInbound runs the responder side of the handshake.
	SecureInbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser) (SecureConn, error)

	// SecureOutbound runs the initiator side of the handshake. If
	// expectedRemote is non-empty, the handshake must fail when the
	// remote's authenticated identity does not match it.
	SecureOutbound(ctx context.Context, localID peer.ID, stream io.ReadWriteCloser, expectedRemote peer.ID) (SecureConn, error)
}

// Registry maps capability strings to registered encrypters, in the order
// they should be offered during negotiation.
type Registry struct {
	order []string
	byID  map[string]ConnectionEncrypter
}

// NewRegistry builds an empty encrypter registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]ConnectionEncrypter)}
}

// Add registers enc under its own Protocol string.
func (r *Registry) Add(enc ConnectionEncrypter) {
	p := enc.Protocol()
	if _, exists := r.byID[p]; !exists {
		r.order = append(r.order, p)
	}
	r.byID[p] = enc
}

// Protocols returns the registered capability strings in registration
// order, the order offered to the negotiator.
func (r *Registry) Protocols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get looks up a previously negotiated capability string.
func (r *Registry) Get(protocol string) (ConnectionEncrypter, bool) {
	e, ok := r.byID[protocol]
	return e, ok
}

// Len reports how many encrypters are registered.
func (r *Registry) Len() int { return len(r.order) }

// Package negotiate describes the capability-negotiation protocol used to
// pick an encrypter, a muxer, and (later) a per-stream application
// protocol. The protocol itself is a well-defined multi-codec line
// protocol and is out of scope for this runtime to design from scratch;
// this package specifies the Negotiator contract and provides a default
// built on the real multistream-select implementation.
package negotiate

import (
	"io"

	ms "github.com/multiformats/go-multistream"
)

// Result is what a negotiation produces: the agreed capability string and a
// stream whose Reader may already carry early data buffered during
// negotiation (see section 6, "must leave a stream whose source may carry
// early data").
type Result struct {
	Stream   io.ReadWriteCloser
	Protocol string
}

// Negotiator runs capability negotiation over a raw byte stream, before any
// application bytes are read past the handshake.
type Negotiator interface {
	// Handle runs the responder side, accepting whichever protocol in
	// protocolList the initiator selects.
	Handle(stream io.ReadWriteCloser, protocolList []string) (Result, error)
	// Select runs the initiator side, offering protocolList in order and
	// returning whichever one the responder accepts.
	Select(stream io.ReadWriteCloser, protocolList []string) (Result, error)
}

// Multistream is the default Negotiator, implemented on top of
// multistream-select.
type Multistream struct{}

var _ Negotiator = Multistream{}

func (Multistream) Select(stream io.ReadWriteCloser, protocolList []string) (Result, error) {
	proto, err := ms.SelectOneOf(protocolList, stream)
	if err != nil {
		return Result{}, err
	}
	return Result{Stream: stream, Protocol: proto}, nil
}

func (Multistream) Handle(stream io.ReadWriteCloser, protocolList []string) (Result, error) {
	mux := ms.NewMultistreamMuxer[string]()
	for _, p := range protocolList {
		mux.AddHandler(p, nil)
	}
	proto, _, err := mux.Negotiate(stream)
	if err != nil {
		return Result{}, err
	}
	return Result{Stream: stream, Protocol: proto}, nil
}

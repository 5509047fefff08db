package network

import "errors"

// Kind is a stable, language-neutral error identifier. Every failure that
// crosses a component boundary in this runtime carries one, so that callers
// (and cross-implementation test suites) can switch on behavior without
// string-matching messages.
type Kind string

const (
	KindConnectionDenied               Kind = "CONNECTION_DENIED"
	KindConnectionIntercepted          Kind = "CONNECTION_INTERCEPTED"
	KindDialedSelf                     Kind = "DIALED_SELF"
	KindPeerDialIntercepted            Kind = "PEER_DIAL_INTERCEPTED"
	KindNoValidAddresses               Kind = "NO_VALID_ADDRESSES"
	KindTooManyAddresses               Kind = "TOO_MANY_ADDRESSES"
	KindInvalidMultiaddr               Kind = "INVALID_MULTIADDR"
	KindInvalidPeer                    Kind = "INVALID_PEER"
	KindInvalidParameters              Kind = "INVALID_PARAMETERS"
	KindEncryptionFailed               Kind = "ENCRYPTION_FAILED"
	KindMuxerUnavailable               Kind = "MUXER_UNAVAILABLE"
	KindConnectionNotMultiplexed       Kind = "CONNECTION_NOT_MULTIPLEXED"
	KindTransientConnection            Kind = "TRANSIENT_CONNECTION"
	KindTooManyInboundProtocolStreams  Kind = "TOO_MANY_INBOUND_PROTOCOL_STREAMS"
	KindTooManyOutboundProtocolStreams Kind = "TOO_MANY_OUTBOUND_PROTOCOL_STREAMS"
	KindUnsupportedProtocol            Kind = "UNSUPPORTED_PROTOCOL"
	KindTimeout                        Kind = "TIMEOUT"
	KindNoHandlerForProtocol           Kind = "NO_HANDLER_FOR_PROTOCOL"
	KindTransportDialFailed            Kind = "TRANSPORT_DIAL_FAILED"
	KindAbort                          Kind = "ABORT"
)

// Error is a Kind-tagged error. Use errors.As to recover the Kind from an
// error returned across a component boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, network.KindTimeout) work directly against a bare
// Kind value, since Kind satisfies the error interface.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// NewError builds an *Error of the given kind, optionally wrapping cause.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is a
// *Error. Ok is false for plain errors, e.g. ones from an external
// collaborator that didn't adopt this vocabulary.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func (k Kind) Error() string { return string(k) }

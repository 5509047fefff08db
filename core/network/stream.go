package network

import "io"

// Stream is a bidirectional byte channel bound to a Connection, tagged with
// an agreed application protocol once capability negotiation completes.
type Stream interface {
	io.ReadWriteCloser

	// Protocol is the negotiated application capability string. Empty
	// until negotiation completes.
	Protocol() string
	// Direction reports which side opened the stream.
	Direction() Direction
	// Timeline exposes Open/Close timestamps for this stream.
	Timeline() Timeline
	// Reset aborts the stream immediately, signaling an error to both
	// ends, instead of the graceful Close.
	Reset() error
}

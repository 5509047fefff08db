package upgrader

import (
	"io"
	"sync"

	"github.com/ferrolabs/go-p2p-transport/core/muxer"
	"github.com/ferrolabs/go-p2p-transport/core/network"
)

// Stream is the concrete network.Stream produced by NewStream and
// onIncomingStream. rw is the post-negotiation byte source/sink (it may
// carry early data buffered during capability negotiation); resetter is
// the underlying muxed stream, kept separately because Reset is a muxer
// concern, not a plain io.ReadWriteCloser one.
type Stream struct {
	rw        io.ReadWriteCloser
	resetter  muxer.MuxedStream
	protocol  string
	direction network.Direction
	key       streamKey
	conn      *Connection

	mu       sync.Mutex
	timeline network.Timeline
	closed   bool
}

var _ network.Stream = (*Stream)(nil)

func newStream(rw io.ReadWriteCloser, resetter muxer.MuxedStream, protocol string, dir network.Direction, key streamKey, conn *Connection) *Stream {
	return &Stream{
		rw:        rw,
		resetter:  resetter,
		protocol:  protocol,
		direction: dir,
		key:       key,
		conn:      conn,
		timeline:  network.Timeline{Open: conn.now()},
	}
}

func (s *Stream) Read(p []byte) (int, error)  { return s.rw.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.rw.Write(p) }

// Protocol is the negotiated application capability string.
func (s *Stream) Protocol() string { return s.protocol }

// Direction reports which side opened the stream.
func (s *Stream) Direction() network.Direction { return s.direction }

// Timeline exposes Open/Close timestamps for this stream.
func (s *Stream) Timeline() network.Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// Close ends the stream gracefully and releases its slot in the
// connection's per-protocol stream count.
func (s *Stream) Close() error {
	if !s.markClosed() {
		return nil
	}
	err := s.rw.Close()
	s.conn.removeStream(s)
	return err
}

// Reset aborts the stream immediately, signaling an error to both ends.
func (s *Stream) Reset() error {
	if !s.markClosed() {
		return nil
	}
	err := s.resetter.Reset()
	s.conn.removeStream(s)
	return err
}

func (s *Stream) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.timeline.Close = s.conn.now()
	return true
}

package networkio

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// StreamConn wraps a stream socket and frames each packet with a two-byte,
// big-endian length.
type StreamConn struct {
	net.Conn

	// mu serializes writes so that frames are never interleaved.
	mu sync.Mutex

	// writeTimeout bounds each Send when positive.
	writeTimeout time.Duration
}

var _ Transport = &StreamConn{}

// NewStreamConn wraps conn, which must be a stream socket.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{Conn: conn}
}

// Receive implements Transport
func (c *StreamConn) Receive() ([]byte, error) {
	lenbuf := make([]byte, 2)
	if _, err := io.ReadFull(c.Conn, lenbuf); err != nil {
		return nil, streamError(err)
	}
	length := binary.BigEndian.Uint16(lenbuf)
	buf := make([]byte, length)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		return nil, streamError(err)
	}
	return buf, nil
}

// Send implements Transport
func (c *StreamConn) Send(pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	frame := make([]byte, 2, 2+len(pkt))
	binary.BigEndian.PutUint16(frame, uint16(len(pkt)))
	frame = append(frame, pkt...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.Conn.Write(frame)
	return err
}

// streamError maps the ways a stream can end to [io.EOF]. A frame cut in
// the middle is an error on its own.
func streamError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

package networkio

import (
	"errors"
	"io"
	"net"
)

// DatagramConn wraps a peer-bound datagram socket. Each datagram is a packet.
type DatagramConn struct {
	net.Conn

	// buffer is reused across reads; only one goroutine may call Receive.
	buffer []byte
}

var _ Transport = &DatagramConn{}

// NewDatagramConn wraps conn, which must be a connected datagram socket.
func NewDatagramConn(conn net.Conn) *DatagramConn {
	return &DatagramConn{
		Conn:   conn,
		buffer: make([]byte, MaxPacketSize),
	}
}

// Receive implements Transport
func (c *DatagramConn) Receive() ([]byte, error) {
	count, err := c.Read(c.buffer)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, err
	}
	pkt := make([]byte, count)
	copy(pkt, c.buffer[:count])
	return pkt, nil
}

// Send implements Transport
func (c *DatagramConn) Send(pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	_, err := c.Conn.Write(pkt)
	return err
}

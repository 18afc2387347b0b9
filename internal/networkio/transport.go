// Package networkio implements the transports carrying tunnelled packets.
//
// A [Transport] is a peer-bound channel used by clients. A [PacketListener] is
// used by the server to exchange packets with many peers through a single
// listening endpoint.
package networkio

import (
	"errors"
	"net"
	"net/netip"
	"time"
)

// MaxPacketSize is the largest packet we can carry. We read datagrams with a
// buffer this large, so oversized packets are never silently truncated.
const MaxPacketSize = 65535

// ErrPacketTooLarge means that a packet is larger than [MaxPacketSize].
var ErrPacketTooLarge = errors.New("networkio: packet too large")

// ErrUnknownPeer means that we don't have a connection for the given peer.
var ErrUnknownPeer = errors.New("networkio: unknown peer")

// Transport is an already-authorized bidirectional packet channel.
//
// Receive returns [io.EOF] once the channel has been closed, either locally
// or by the remote end.
type Transport interface {
	// Send sends a single packet.
	Send(pkt []byte) error

	// Receive returns the next packet.
	Receive() ([]byte, error)

	// SetReadDeadline is like net.Conn.SetReadDeadline.
	SetReadDeadline(t time.Time) error

	// LocalAddr is like net.Conn.LocalAddr.
	LocalAddr() net.Addr

	// RemoteAddr is like net.Conn.RemoteAddr.
	RemoteAddr() net.Addr

	// Close is like net.Conn.Close. It is safe to call it more than once.
	Close() error
}

// PacketListener is the server side transport. It receives packets from many
// peers and tells us who sent each of them.
//
// ReceiveFrom returns [io.EOF] once the listener has been closed.
type PacketListener interface {
	// ReceiveFrom returns the next packet and the address of its sender.
	ReceiveFrom() ([]byte, netip.AddrPort, error)

	// SendTo sends a packet to the given peer.
	SendTo(pkt []byte, peer netip.AddrPort) error

	// LocalAddr returns the listening address.
	LocalAddr() net.Addr

	// Close closes the listener. It is safe to call it more than once.
	Close() error
}

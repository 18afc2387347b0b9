package networkio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/ooni/toyvpn/internal/model"
)

// Listen creates the [PacketListener] matching the network. For "udp" and
// "tcp" the address is the local address; for "ws" it is the local TCP
// address where to serve websocket upgrades on the given path.
func Listen(ctx context.Context, logger model.Logger, network, address, path string) (PacketListener, error) {
	switch network {
	case "udp", "udp4", "udp6":
		return ListenUDP(network, address)
	case "tcp", "tcp4", "tcp6":
		return ListenStream(ctx, logger, network, address)
	case "ws":
		return ListenWebSocket(ctx, logger, address, path)
	default:
		return nil, fmt.Errorf("networkio: unsupported listen network: %s", network)
	}
}

// UDPListener is an unbound UDP socket receiving from many peers.
type UDPListener struct {
	conn *net.UDPConn

	// buffer is reused across reads; only one goroutine may call ReceiveFrom.
	buffer []byte

	// mu protects last.
	mu   sync.Mutex
	last netip.AddrPort

	once     sync.Once
	closeErr error
}

var _ PacketListener = &UDPListener{}

// ListenUDP creates a new [UDPListener].
func ListenUDP(network, address string) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}
	return &UDPListener{
		conn:   conn,
		buffer: make([]byte, MaxPacketSize),
	}, nil
}

// ReceiveFrom implements PacketListener
func (l *UDPListener) ReceiveFrom() ([]byte, netip.AddrPort, error) {
	count, from, err := l.conn.ReadFromUDPAddrPort(l.buffer)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, netip.AddrPort{}, io.EOF
		}
		return nil, netip.AddrPort{}, err
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	l.mu.Lock()
	l.last = from
	l.mu.Unlock()
	pkt := make([]byte, count)
	copy(pkt, l.buffer[:count])
	return pkt, from, nil
}

// LastSource returns the source address of the last received datagram.
func (l *UDPListener) LastSource() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// SendTo implements PacketListener
func (l *UDPListener) SendTo(pkt []byte, peer netip.AddrPort) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	_, err := l.conn.WriteToUDPAddrPort(pkt, peer)
	return err
}

// LocalAddr implements PacketListener
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close implements PacketListener
func (l *UDPListener) Close() error {
	l.once.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

package vpntest

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is a channel-backed networkio.Transport. Tests play the remote
// end by injecting packets with Inject and observing sent packets with Sent.
// Read deadlines are honoured, and changing the deadline wakes up a
// pending Receive.
type Transport struct {
	inbound chan []byte
	sent    chan []byte
	closed  chan any
	once    sync.Once

	// Closes counts calls to Close.
	Closes atomic.Int64

	// mu protects the fields below.
	mu       sync.Mutex
	deadline time.Time
	kick     chan any
	sendErr  error
}

// NewTransport creates a new [Transport] with the given channel buffering.
func NewTransport(buffer int) *Transport {
	return &Transport{
		inbound: make(chan []byte, buffer),
		sent:    make(chan []byte, buffer),
		closed:  make(chan any),
		kick:    make(chan any),
	}
}

// Inject makes pkt available to the next Receive. It returns false if the
// transport has been closed.
func (t *Transport) Inject(pkt []byte) bool {
	select {
	case t.inbound <- pkt:
		return true
	case <-t.closed:
		return false
	}
}

// Sent returns the channel where sent packets are delivered.
func (t *Transport) Sent() <-chan []byte {
	return t.sent
}

// FailSends makes every following Send fail with err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// Send implements networkio.Transport.
func (t *Transport) Send(pkt []byte) error {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case t.sent <- cp:
		return nil
	case <-t.closed:
		return net.ErrClosed
	}
}

// Receive implements networkio.Transport.
func (t *Transport) Receive() ([]byte, error) {
	for {
		t.mu.Lock()
		deadline, kick := t.deadline, t.kick
		t.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		pkt, err, again := t.receiveOnce(expired, kick)
		if timer != nil {
			timer.Stop()
		}
		if !again {
			return pkt, err
		}
	}
}

func (t *Transport) receiveOnce(expired <-chan time.Time, kick <-chan any) ([]byte, error, bool) {
	select {
	case pkt := <-t.inbound:
		return pkt, nil, false
	case <-t.closed:
		return nil, io.EOF, false
	case <-expired:
		return nil, os.ErrDeadlineExceeded, false
	case <-kick:
		return nil, nil, true
	}
}

// SetReadDeadline implements networkio.Transport.
func (t *Transport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = deadline
	close(t.kick)
	t.kick = make(chan any)
	return nil
}

// LocalAddr implements networkio.Transport.
func (t *Transport) LocalAddr() net.Addr {
	return NewAddr("udp", "10.0.0.2:40000")
}

// RemoteAddr implements networkio.Transport.
func (t *Transport) RemoteAddr() net.Addr {
	return NewAddr("udp", "192.0.2.1:12345")
}

// Close implements networkio.Transport.
func (t *Transport) Close() error {
	t.Closes.Add(1)
	t.once.Do(func() {
		close(t.closed)
	})
	return nil
}

// IsClosed returns whether Close has been called.
func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Datagram is a packet together with the peer that sent or receives it.
type Datagram struct {
	Packet []byte
	Peer   netip.AddrPort
}

// ErrListenerClosed is returned by SendTo after Close.
var ErrListenerClosed = errors.New("vpntest: listener closed")

// PacketListener is a channel-backed networkio.PacketListener.
type PacketListener struct {
	inbound chan Datagram
	sent    chan Datagram
	closed  chan any
	once    sync.Once
}

// NewPacketListener creates a new [PacketListener] with the given buffering.
func NewPacketListener(buffer int) *PacketListener {
	return &PacketListener{
		inbound: make(chan Datagram, buffer),
		sent:    make(chan Datagram, buffer),
		closed:  make(chan any),
	}
}

// Inject makes pkt from peer available to the next ReceiveFrom.
func (l *PacketListener) Inject(pkt []byte, peer netip.AddrPort) bool {
	select {
	case l.inbound <- Datagram{Packet: pkt, Peer: peer}:
		return true
	case <-l.closed:
		return false
	}
}

// Sent returns the channel where sent datagrams are delivered.
func (l *PacketListener) Sent() <-chan Datagram {
	return l.sent
}

// ReceiveFrom implements networkio.PacketListener.
func (l *PacketListener) ReceiveFrom() ([]byte, netip.AddrPort, error) {
	select {
	case dg := <-l.inbound:
		return dg.Packet, dg.Peer, nil
	case <-l.closed:
		return nil, netip.AddrPort{}, io.EOF
	}
}

// SendTo implements networkio.PacketListener.
func (l *PacketListener) SendTo(pkt []byte, peer netip.AddrPort) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	select {
	case l.sent <- Datagram{Packet: cp, Peer: peer}:
		return nil
	case <-l.closed:
		return ErrListenerClosed
	}
}

// LocalAddr implements networkio.PacketListener.
func (l *PacketListener) LocalAddr() net.Addr {
	return NewAddr("udp", "0.0.0.0:12345")
}

// Close implements networkio.PacketListener.
func (l *PacketListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
	})
	return nil
}

package networkio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ooni/toyvpn/internal/model"
)

// DefaultPeerWriteTimeout bounds each write to a single peer of a
// connection-oriented listener.
const DefaultPeerWriteTimeout = 2 * time.Second

// ErrPeerGone means that sending to a peer failed and we dropped its
// connection. It wraps [ErrUnknownPeer], since further sends to the same
// peer fail the same way until it reconnects.
var ErrPeerGone = fmt.Errorf("%w: connection lost", ErrUnknownPeer)

// incomingPacket is a packet read by a per-connection reader.
type incomingPacket struct {
	pkt  []byte
	peer netip.AddrPort
}

// peerConn is the connection to a single peer.
type peerConn interface {
	Send(pkt []byte) error
	Receive() ([]byte, error)
	Close() error
}

// peerSet exposes many peer connections as a single [PacketListener]
// minus LocalAddr and Close, which depend on how we accept connections.
//
// The zero value is invalid; please, use [newPeerSet].
type peerSet struct {
	logger model.Logger

	// incoming is written by the per-connection readers.
	incoming chan incomingPacket

	// mu protects conns.
	mu    sync.Mutex
	conns map[netip.AddrPort]peerConn

	// done is closed by shutdown.
	done     chan any
	doneOnce sync.Once
}

func newPeerSet(logger model.Logger) *peerSet {
	return &peerSet{
		logger:   logger,
		incoming: make(chan incomingPacket, 64),
		conns:    make(map[netip.AddrPort]peerConn),
		done:     make(chan any),
	}
}

// peerFromAddr returns the key of a connection's remote address.
func peerFromAddr(addr net.Addr) (netip.AddrPort, error) {
	peer, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), nil
}

// serve registers conn and reads packets from it until it dies. It closes
// conn before returning.
func (ps *peerSet) serve(peer netip.AddrPort, conn peerConn) {
	if !ps.register(peer, conn) {
		conn.Close()
		return
	}
	ps.logger.Debugf("networkio: peer connected: %s", peer)

	defer func() {
		ps.forget(peer, conn)
		conn.Close()
		ps.logger.Debugf("networkio: peer gone: %s", peer)
	}()

	for {
		// POSSIBLY BLOCK reading from the peer
		pkt, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				ps.logger.Debugf("networkio: read from %s: %s", peer, err.Error())
			}
			return
		}

		// POSSIBLY BLOCK delivering the packet
		select {
		case ps.incoming <- incomingPacket{pkt: pkt, peer: peer}:
		case <-ps.done:
			return
		}
	}
}

// register adds a connection, replacing any previous one from the same peer.
func (ps *peerSet) register(peer netip.AddrPort, conn peerConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	select {
	case <-ps.done:
		return false
	default:
	}
	if old := ps.conns[peer]; old != nil {
		go old.Close()
	}
	ps.conns[peer] = conn
	return true
}

// forget removes conn unless it has already been replaced.
func (ps *peerSet) forget(peer netip.AddrPort, conn peerConn) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.conns[peer] == conn {
		delete(ps.conns, peer)
	}
}

// shutdown stops delivering packets and closes every connection.
func (ps *peerSet) shutdown() {
	ps.doneOnce.Do(func() {
		ps.mu.Lock()
		close(ps.done)
		conns := ps.conns
		ps.conns = make(map[netip.AddrPort]peerConn)
		ps.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
	})
}

// ReceiveFrom implements PacketListener
func (ps *peerSet) ReceiveFrom() ([]byte, netip.AddrPort, error) {
	select {
	case in := <-ps.incoming:
		return in.pkt, in.peer, nil
	case <-ps.done:
		return nil, netip.AddrPort{}, io.EOF
	}
}

// SendTo implements PacketListener. When the write fails, we drop the
// connection and return [ErrPeerGone]: the other peers are not affected.
func (ps *peerSet) SendTo(pkt []byte, peer netip.AddrPort) error {
	ps.mu.Lock()
	conn := ps.conns[peer]
	ps.mu.Unlock()
	if conn == nil {
		return ErrUnknownPeer
	}
	err := conn.Send(pkt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPacketTooLarge):
		return err
	default:
		ps.forget(peer, conn)
		// closing may need to wait for a close frame to time out
		go conn.Close()
		return fmt.Errorf("%w: %s: %w", ErrPeerGone, peer, err)
	}
}

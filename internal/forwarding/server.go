package forwarding

import (
	"errors"
	"net/netip"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/packet"
	"github.com/ooni/toyvpn/internal/sessiontable"
	"github.com/ooni/toyvpn/internal/workers"
)

// ControlHandler answers handshake packets.
type ControlHandler interface {
	Handle(peer netip.AddrPort, pkt []byte) ([]byte, error)
}

// ServerService is the server forwarding service. Make sure you initialize
// all the fields before invoking [ServerService.StartWorkers].
type ServerService struct {
	// Device is the virtual device.
	Device model.Device

	// Listener is where we exchange packets with the clients.
	Listener networkio.PacketListener

	// Table maps tunnel addresses to clients.
	Table *sessiontable.Table

	// Handshake answers handshake packets.
	Handshake ControlHandler

	// Network is the tunnel network. Packets between two clients of this
	// network do not go through the device.
	Network netip.Prefix

	// ServerIP is the tunnel address of the server.
	ServerIP netip.Addr

	// MTU is the size of the device read buffer.
	MTU int
}

// StartWorkers starts the server forwarding workers.
//
// We start three workers:
//
// 1. moveDownWorker BLOCKS on the device to read a packet, looks up the
// client owning its destination and eventually BLOCKS on the listener to
// send it;
//
// 2. moveUpWorker BLOCKS on the listener to receive a packet, answers
// handshakes, resolves the session of data packets and eventually BLOCKS
// on the device (or on the listener, for packets between clients);
//
// 3. watchWorker BLOCKS until shutdown and then closes both.
func (s *ServerService) StartWorkers(logger model.Logger, manager *workers.Manager) {
	mtu := s.MTU
	if mtu <= 0 {
		mtu = model.DefaultMTU
	}
	ws := &serverState{
		logger:    logger,
		manager:   manager,
		device:    s.Device,
		listener:  s.Listener,
		table:     s.Table,
		handshake: s.Handshake,
		network:   s.Network,
		serverIP:  s.ServerIP,
		mtu:       mtu,
	}
	manager.StartWorker(ws.moveDownWorker)
	manager.StartWorker(ws.moveUpWorker)
	manager.StartWorker(ws.watchWorker)
}

type serverState struct {
	logger    model.Logger
	manager   *workers.Manager
	device    model.Device
	listener  networkio.PacketListener
	table     *sessiontable.Table
	handshake ControlHandler
	network   netip.Prefix
	serverIP  netip.Addr
	mtu       int
}

// moveDownWorker moves packets from the device to the clients.
func (ws *serverState) moveDownWorker() {
	workerName := "forwarding: moveDownWorker"

	defer func() {
		ws.manager.OnWorkerDone(workerName)
		ws.manager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	buf := make([]byte, ws.mtu)
	for {
		// POSSIBLY BLOCK reading from the device
		pkt, err := readPacket(ws.device, buf)
		if err != nil {
			fail(ws.manager, model.ErrDevice, err)
			return
		}

		dst, err := packet.Destination(pkt)
		if err != nil {
			ws.logger.Debugf("%s: drop: %s", workerName, err.Error())
			continue
		}
		entry, err := ws.table.RouteFor(dst)
		if err != nil {
			ws.logger.Debugf("%s: drop: %s", workerName, err.Error())
			continue
		}

		// POSSIBLY BLOCK sending to the client
		sent, ok := ws.sendTo(pkt, entry.Peer())
		if !ok {
			return
		}
		if sent {
			entry.AddTx(len(pkt))
		}
	}
}

// moveUpWorker moves packets from the clients to the device.
func (ws *serverState) moveUpWorker() {
	workerName := "forwarding: moveUpWorker"

	defer func() {
		ws.manager.OnWorkerDone(workerName)
		ws.manager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK receiving from any client
		pkt, peer, err := ws.listener.ReceiveFrom()
		if err != nil {
			fail(ws.manager, model.ErrTransport, err)
			return
		}

		switch {
		case len(pkt) <= 0:
			continue
		case packet.IsControl(pkt):
			if !ws.answerHandshake(peer, pkt) {
				return
			}
		default:
			if !ws.deliver(peer, pkt) {
				return
			}
		}
	}
}

// answerHandshake answers a handshake packet. It returns false when the
// worker must stop.
func (ws *serverState) answerHandshake(peer netip.AddrPort, pkt []byte) bool {
	answer, err := ws.handshake.Handle(peer, pkt)
	if err != nil {
		ws.logger.Debugf("forwarding: handshake from %s: %s", peer, err.Error())
		return true
	}
	_, ok := ws.sendTo(answer, peer)
	return ok
}

// deliver forwards a data packet received from peer. It returns false
// when the worker must stop. Dropped packets are not accounted.
func (ws *serverState) deliver(peer netip.AddrPort, pkt []byte) bool {
	entry, err := ws.table.Resolve(peer, pkt)
	if err != nil {
		ws.logger.Debugf("forwarding: drop from %s: %s", peer, err.Error())
		return true
	}

	dst, _ := packet.Destination(pkt)
	if ws.network.Contains(dst) && dst != ws.serverIP {
		target, err := ws.table.RouteFor(dst)
		if err != nil {
			ws.logger.Debugf("forwarding: drop from %s: %s", peer, err.Error())
			return true
		}

		// POSSIBLY BLOCK sending to the other client
		sent, ok := ws.sendTo(pkt, target.Peer())
		if sent {
			entry.AddRx(len(pkt))
			target.AddTx(len(pkt))
		}
		return ok
	}

	// POSSIBLY BLOCK writing to the device
	if _, err := ws.device.Write(pkt); err != nil {
		fail(ws.manager, model.ErrDevice, err)
		return false
	}
	entry.AddRx(len(pkt))
	return true
}

// sendTo sends pkt to peer and tells whether it did. A peer that went away
// only costs us the packet. Any other failure means the listener is gone, so
// we return ok == false and the caller must stop.
func (ws *serverState) sendTo(pkt []byte, peer netip.AddrPort) (sent, ok bool) {
	err := ws.listener.SendTo(pkt, peer)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, networkio.ErrUnknownPeer), errors.Is(err, networkio.ErrPacketTooLarge):
		ws.logger.Debugf("forwarding: drop to %s: %s", peer, err.Error())
		return false, true
	default:
		fail(ws.manager, model.ErrTransport, err)
		return false, false
	}
}

// watchWorker closes the device and the listener on shutdown.
func (ws *serverState) watchWorker() {
	closeOnShutdown(ws.logger, ws.manager, "forwarding: watchWorker", ws.device, ws.listener)
}

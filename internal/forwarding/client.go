package forwarding

import (
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/packet"
	"github.com/ooni/toyvpn/internal/stats"
	"github.com/ooni/toyvpn/internal/workers"
)

// Service is the client forwarding service. Make sure you initialize
// all the fields before invoking [Service.StartWorkers].
type Service struct {
	// Device is the virtual device.
	Device model.Device

	// Transport is the channel to the server.
	Transport networkio.Transport

	// Counters are updated after each successful transfer.
	Counters *stats.Counters

	// MTU is the size of the device read buffer.
	MTU int
}

// StartWorkers starts the client forwarding workers.
//
// We start three workers:
//
// 1. moveDownWorker BLOCKS on the device to read a packet and
// eventually BLOCKS on the transport to send it;
//
// 2. moveUpWorker BLOCKS on the transport to receive a packet and
// eventually BLOCKS on the device to write it;
//
// 3. watchWorker BLOCKS until shutdown and then closes both.
func (s *Service) StartWorkers(logger model.Logger, manager *workers.Manager) {
	mtu := s.MTU
	if mtu <= 0 {
		mtu = model.DefaultMTU
	}
	ws := &clientState{
		logger:    logger,
		manager:   manager,
		device:    s.Device,
		transport: s.Transport,
		counters:  s.Counters,
		mtu:       mtu,
	}
	manager.StartWorker(ws.moveDownWorker)
	manager.StartWorker(ws.moveUpWorker)
	manager.StartWorker(ws.watchWorker)
}

type clientState struct {
	logger    model.Logger
	manager   *workers.Manager
	device    model.Device
	transport networkio.Transport
	counters  *stats.Counters
	mtu       int
}

// moveDownWorker moves packets from the device to the transport.
func (ws *clientState) moveDownWorker() {
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

		// POSSIBLY BLOCK sending to the server
		if err := ws.transport.Send(pkt); err != nil {
			fail(ws.manager, model.ErrTransport, err)
			return
		}
		ws.counters.AddTx(len(pkt))
	}
}

// moveUpWorker moves packets from the transport to the device.
func (ws *clientState) moveUpWorker() {
	workerName := "forwarding: moveUpWorker"

	defer func() {
		ws.manager.OnWorkerDone(workerName)
		ws.manager.StartShutdown()
	}()

	ws.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK receiving from the server
		pkt, err := ws.transport.Receive()
		if err != nil {
			fail(ws.manager, model.ErrTransport, err)
			return
		}

		if len(pkt) <= 0 {
			continue
		}
		if packet.IsControl(pkt) {
			ws.logger.Debugf("%s: ignoring late handshake packet", workerName)
			continue
		}

		// POSSIBLY BLOCK writing to the device
		if _, err := ws.device.Write(pkt); err != nil {
			fail(ws.manager, model.ErrDevice, err)
			return
		}
		ws.counters.AddRx(len(pkt))
	}
}

// watchWorker closes the device and the transport on shutdown.
func (ws *clientState) watchWorker() {
	closeOnShutdown(ws.logger, ws.manager, "forwarding: watchWorker", ws.device, ws.transport)
}

// Package forwarding relays packets between the virtual device and the
// transport.
//
// Each end runs two independent workers: moveDownWorker moves packets down
// the stack (device to transport) and moveUpWorker moves packets up the
// stack (transport to device). A third worker waits for the shutdown and
// closes the device and the transport, so that the other two, which are
// possibly blocked reading, return immediately.
//
// We perform no retransmission, reordering or fragmentation. Within one
// direction, packets are forwarded in the order we read them.
package forwarding

import (
	"fmt"
	"io"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/workers"
)

// fail records the reason why a worker stopped. Once the shutdown has
// started, errors are the consequence of closing resources and the manager
// ignores them.
func fail(manager *workers.Manager, sentinel error, err error) {
	manager.Fail(fmt.Errorf("%w: %w", sentinel, err))
}

// readPacket reads a packet from the device into buf. A read returning no
// data is the end of the stream.
func readPacket(device model.Device, buf []byte) ([]byte, error) {
	count, err := device.Read(buf)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, io.EOF
	}
	return buf[:count], nil
}

// closeOnShutdown is the body of the watcher worker.
func closeOnShutdown(logger model.Logger, manager *workers.Manager, workerName string, closers ...io.Closer) {
	defer manager.OnWorkerDone(workerName)

	logger.Debugf("%s: started", workerName)

	<-manager.ShouldShutdown()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Debugf("%s: close: %s", workerName, err.Error())
		}
	}
}

package vpntest

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ooni/toyvpn/internal/model"
)

// Device is a channel-backed [model.Device]. Tests play the host side by
// injecting packets with Inject and observing what the tunnel writes with
// Written. Close unblocks any pending Read or Write.
type Device struct {
	inbound chan []byte
	written chan []byte
	closed  chan any
	once    sync.Once

	// Closes counts calls to Close.
	Closes atomic.Int64

	// mu protects writeErr.
	mu       sync.Mutex
	writeErr error
}

var _ model.Device = &Device{}

// NewDevice creates a new [Device] with the given channel buffering.
func NewDevice(buffer int) *Device {
	return &Device{
		inbound: make(chan []byte, buffer),
		written: make(chan []byte, buffer),
		closed:  make(chan any),
	}
}

// Inject makes pkt available to the next Read. It returns false if the
// device has been closed.
func (d *Device) Inject(pkt []byte) bool {
	select {
	case d.inbound <- pkt:
		return true
	case <-d.closed:
		return false
	}
}

// Written returns the channel where written packets are delivered.
func (d *Device) Written() <-chan []byte {
	return d.written
}

// FailWrites makes every following Write fail with err.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// Read implements model.Device. It returns [io.EOF] once closed.
func (d *Device) Read(b []byte) (int, error) {
	select {
	case pkt := <-d.inbound:
		return copy(b, pkt), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

// Write implements model.Device.
func (d *Device) Write(b []byte) (int, error) {
	d.mu.Lock()
	err := d.writeErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	select {
	case d.written <- pkt:
		return len(b), nil
	case <-d.closed:
		return 0, net.ErrClosed
	}
}

// Close implements model.Device.
func (d *Device) Close() error {
	d.Closes.Add(1)
	d.once.Do(func() {
		close(d.closed)
	})
	return nil
}

// IsClosed returns whether Close has been called.
func (d *Device) IsClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

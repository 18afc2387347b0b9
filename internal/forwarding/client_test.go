package forwarding

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/stats"
	"github.com/ooni/toyvpn/internal/vpntest"
	"github.com/ooni/toyvpn/internal/workers"
)

var (
	clientIP = netip.MustParseAddr("10.0.0.2")
	remoteIP = netip.MustParseAddr("93.184.216.34")
)

type clientFixture struct {
	device    *vpntest.Device
	transport *vpntest.Transport
	counters  *stats.Counters
	manager   *workers.Manager
}

func startClient(t *testing.T) *clientFixture {
	t.Helper()
	logger := model.NewTestLogger()
	f := &clientFixture{
		device:    vpntest.NewDevice(64),
		transport: vpntest.NewTransport(64),
		counters:  &stats.Counters{},
		manager:   workers.NewManager(logger),
	}
	svc := &Service{
		Device:    f.device,
		Transport: f.transport,
		Counters:  f.counters,
		MTU:       1500,
	}
	svc.StartWorkers(logger, f.manager)
	return f
}

// stop shuts down the workers and fails the test if they do not terminate.
func stop(t *testing.T, manager *workers.Manager) {
	t.Helper()
	done := make(chan any)
	go func() {
		manager.StartShutdown()
		manager.WaitWorkersShutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not terminate")
	}
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case pkt := <-ch:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

// waitFor polls cond until it is true or a few seconds elapse.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClientEgress(t *testing.T) {
	f := startClient(t)
	defer stop(t, f.manager)

	var sum int
	sent := make([][]byte, 0)
	for i := 0; i < 20; i++ {
		pkt := vpntest.NewIPv4Packet(clientIP, remoteIP, []byte(fmt.Sprintf("packet-%d-%s", i, bytes.Repeat([]byte("x"), i))))
		sent = append(sent, pkt)
		sum += len(pkt)
		f.device.Inject(pkt)
	}
	for i, want := range sent {
		if got := receive(t, f.transport.Sent()); !bytes.Equal(got, want) {
			t.Fatalf("packet %d: out of order or corrupted", i)
		}
	}
	waitFor(t, func() bool {
		tx, _ := f.counters.Totals()
		return tx == uint64(sum)
	})
	if _, rx := f.counters.Totals(); rx != 0 {
		t.Fatalf("rx = %d, want 0", rx)
	}
}

func TestClientIngress(t *testing.T) {
	f := startClient(t)
	defer stop(t, f.manager)

	var sum int
	sent := make([][]byte, 0)
	for i := 0; i < 20; i++ {
		pkt := vpntest.NewIPv4Packet(remoteIP, clientIP, []byte(fmt.Sprintf("reply-%d", i)))
		sent = append(sent, pkt)
		sum += len(pkt)
		f.transport.Inject(pkt)
	}
	// late handshake packets never reach the device
	f.transport.Inject([]byte{0x00, 0x02, 10, 0, 0, 2})

	for i, want := range sent {
		if got := receive(t, f.device.Written()); !bytes.Equal(got, want) {
			t.Fatalf("packet %d: out of order or corrupted", i)
		}
	}
	waitFor(t, func() bool {
		_, rx := f.counters.Totals()
		return rx == uint64(sum)
	})
	select {
	case pkt := <-f.device.Written():
		t.Fatalf("unexpected packet written to the device: %v", pkt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClientStopWhileBlocked(t *testing.T) {
	f := startClient(t)

	pkt := vpntest.NewIPv4Packet(clientIP, remoteIP, []byte("last"))
	f.device.Inject(pkt)
	receive(t, f.transport.Sent())
	reply := vpntest.NewIPv4Packet(remoteIP, clientIP, []byte("last reply"))
	f.transport.Inject(reply)
	receive(t, f.device.Written())
	waitFor(t, func() bool {
		tx, rx := f.counters.Totals()
		return tx == uint64(len(pkt)) && rx == uint64(len(reply))
	})

	// both workers are now blocked reading
	stop(t, f.manager)

	if !f.device.IsClosed() || !f.transport.IsClosed() {
		t.Fatal("expected the device and the transport to be closed")
	}
	if err := f.manager.Err(); err != nil {
		t.Fatalf("a requested stop is not an error: %v", err)
	}
	tx, rx := f.counters.Totals()
	if tx != uint64(len(pkt)) || rx != uint64(len(reply)) {
		t.Fatalf("counters moved after stop: tx=%d rx=%d", tx, rx)
	}
}

func TestClientFailures(t *testing.T) {
	t.Run("a send failure is a transport error", func(t *testing.T) {
		f := startClient(t)
		f.transport.FailSends(errors.New("mocked error"))
		f.device.Inject(vpntest.NewIPv4Packet(clientIP, remoteIP, nil))
		f.manager.WaitWorkersShutdown()
		if err := f.manager.Err(); !errors.Is(err, model.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		if tx, _ := f.counters.Totals(); tx != 0 {
			t.Fatalf("failed sends must not be counted: %d", tx)
		}
	})

	t.Run("the server closing the transport is a transport error", func(t *testing.T) {
		f := startClient(t)
		f.transport.Close()
		f.manager.WaitWorkersShutdown()
		if err := f.manager.Err(); !errors.Is(err, model.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("a write failure is a device error", func(t *testing.T) {
		f := startClient(t)
		f.device.FailWrites(errors.New("mocked error"))
		f.transport.Inject(vpntest.NewIPv4Packet(remoteIP, clientIP, nil))
		f.manager.WaitWorkersShutdown()
		if err := f.manager.Err(); !errors.Is(err, model.ErrDevice) {
			t.Fatalf("expected ErrDevice, got %v", err)
		}
		if _, rx := f.counters.Totals(); rx != 0 {
			t.Fatalf("failed writes must not be counted: %d", rx)
		}
	})

	t.Run("the device going away is a device error", func(t *testing.T) {
		f := startClient(t)
		f.device.Close()
		f.manager.WaitWorkersShutdown()
		if err := f.manager.Err(); !errors.Is(err, model.ErrDevice) {
			t.Fatalf("expected ErrDevice, got %v", err)
		}
	})
}

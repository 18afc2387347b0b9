package networkio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/ooni/toyvpn/internal/vpntest"
)

func Test_TCPLikeConn(t *testing.T) {
	t.Run("A tcp-like conn implements length framing", func(t *testing.T) {
		dataIn := make([][]byte, 0)
		dataOut := make([][]byte, 0)
		// write size
		dataOut = append(dataOut, []byte{0, 8})
		// write payload
		want := []byte("deadbeef")
		dataOut = append(dataOut, want)

		underlying := newMockedConn("tcp", dataIn, dataOut)
		testDialer := newDialer(underlying)
		dialer := NewDialer(log.Log, testDialer)
		transport, err := dialer.DialContext(context.Background(), "tcp", "1.1.1.1")

		if err != nil {
			t.Fatalf("should not error getting a transport")
		}
		got, err := transport.Receive()
		if err != nil {
			t.Errorf("should not error: err = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got = %v, want = %v", got, want)
		}

		written := []byte("ingirumimusnocteetconsumimurigni")
		transport.Send(written)
		gotWritten := underlying.NetworkWrites()
		if !bytes.Equal(gotWritten[0], append([]byte{0, byte(len(written))}, written...)) {
			t.Errorf("got = %v, want = %v", gotWritten, written)
		}

		// the stream is over
		if _, err := transport.Receive(); !errors.Is(err, io.EOF) {
			t.Errorf("expected EOF, got %v", err)
		}
	})

	t.Run("A truncated frame is an error", func(t *testing.T) {
		dataOut := [][]byte{{0, 8}, []byte("dead")}
		underlying := newMockedConn("tcp", nil, dataOut)
		transport, err := NewDialer(log.Log, newDialer(underlying)).DialContext(context.Background(), "tcp", "1.1.1.1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := transport.Receive(); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("expected ErrUnexpectedEOF, got %v", err)
		}
	})
}

func Test_UDPLikeConn(t *testing.T) {
	t.Run("A udp-like conn returns the packets directly", func(t *testing.T) {
		dataIn := make([][]byte, 0)
		dataOut := make([][]byte, 0)
		// write payload
		want := []byte("deadbeef")
		dataOut = append(dataOut, want)

		underlying := newMockedConn("udp", dataIn, dataOut)
		testDialer := newDialer(underlying)
		dialer := NewDialer(log.Log, testDialer)
		transport, err := dialer.DialContext(context.Background(), "udp", "1.1.1.1")
		if err != nil {
			t.Fatalf("should not error getting a transport")
		}
		got, err := transport.Receive()
		if err != nil {
			t.Errorf("should not error: err = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("got = %v, want = %v", got, want)
		}
		written := []byte("ingirumimusnocteetconsumimurigni")
		transport.Send(written)
		gotWritten := underlying.NetworkWrites()
		if !bytes.Equal(gotWritten[0], written) {
			t.Errorf("got = %v, want = %v", gotWritten, written)
		}
	})

	t.Run("Oversized packets are refused", func(t *testing.T) {
		underlying := newMockedConn("udp", nil, nil)
		transport, _ := NewDialer(log.Log, newDialer(underlying)).DialContext(context.Background(), "udp", "1.1.1.1")
		if err := transport.Send(make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
			t.Errorf("expected ErrPacketTooLarge, got %v", err)
		}
	})
}

func Test_CloseOnceConn(t *testing.T) {
	t.Run("A conn can be closed more than once", func(t *testing.T) {
		ctr := 0
		testDialer := &vpntest.Dialer{
			MockDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
				conn := &vpntest.Conn{
					MockClose: func() error {
						ctr++
						return nil
					},
					MockLocalAddr: func() net.Addr {
						return vpntest.NewAddr(network, "1.2.3.4")
					},
				}
				return conn, nil
			},
		}

		dialer := NewDialer(log.Log, testDialer)
		transport, err := dialer.DialContext(context.Background(), "tcp", "1.1.1.1")
		if err != nil {
			t.Errorf("should not error getting a transport")
		}
		transport.Close()
		transport.Close()
		if ctr != 1 {
			t.Errorf("close function should be called only once")
		}
	})
}

func TestDialer_unsupportedNetwork(t *testing.T) {
	dialer := NewDialer(log.Log, &net.Dialer{})
	if _, err := dialer.DialContext(context.Background(), "sctp", "1.1.1.1:1"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestUDPListener(t *testing.T) {
	listener, err := ListenUDP("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	dialer := NewDialer(log.Log, &net.Dialer{})
	client, err := dialer.DialContext(context.Background(), "udp", listener.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	pkt, peer, err := listener.ReceiveFrom()
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt) != "ping" {
		t.Fatalf("unexpected packet %q", pkt)
	}
	wantPeer := netip.MustParseAddrPort(client.LocalAddr().String())
	if peer != wantPeer {
		t.Fatalf("peer = %s, want %s", peer, wantPeer)
	}
	if listener.LastSource() != peer {
		t.Fatalf("LastSource = %s, want %s", listener.LastSource(), peer)
	}

	if err := listener.SendTo([]byte("pong"), peer); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := client.Receive()
	if err != nil || string(got) != "pong" {
		t.Fatalf("got %q, err %v", got, err)
	}

	listener.Close()
	if _, _, err := listener.ReceiveFrom(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestWebSocket(t *testing.T) {
	ctx := context.Background()
	listener, err := Listen(ctx, log.Log, "ws", "127.0.0.1:0", "/tunnel")
	if err != nil {
		t.Fatal(err)
	}

	url := "ws://" + listener.LocalAddr().String() + "/tunnel"
	client, err := NewDialer(log.Log, &net.Dialer{}).DialContext(ctx, "ws", url)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	pkt, peer, err := listener.ReceiveFrom()
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt) != "ping" {
		t.Fatalf("unexpected packet %q", pkt)
	}
	if !strings.HasPrefix(peer.String(), "127.0.0.1:") {
		t.Fatalf("unexpected peer %s", peer)
	}

	if err := listener.SendTo([]byte("pong"), peer); err != nil {
		t.Fatal(err)
	}
	got, err := client.Receive()
	if err != nil || string(got) != "pong" {
		t.Fatalf("got %q, err %v", got, err)
	}

	if err := listener.SendTo([]byte("pong"), netip.MustParseAddrPort("192.0.2.1:1")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	if err := listener.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := listener.ReceiveFrom(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}

	// closing the listener closes the connection from the client's view
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Receive(); err == nil {
		t.Fatal("expected an error after the listener closed")
	}
}

// connectPeer dials the websocket listener and waits until the listener
// knows about the new peer.
func connectPeer(t *testing.T, listener PacketListener, url string) (*WebSocketConn, netip.AddrPort) {
	t.Helper()
	dialer := &net.Dialer{}
	conn, err := dialWebSocket(context.Background(), dialer.DialContext, url)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	_, peer, err := listener.ReceiveFrom()
	if err != nil {
		t.Fatal(err)
	}
	return conn, peer
}

func TestWebSocketListener_peerReset(t *testing.T) {
	listener, err := ListenWebSocket(context.Background(), log.Log, "127.0.0.1:0", "/tunnel")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	url := "ws://" + listener.LocalAddr().String() + "/tunnel"

	clientA, peerA := connectPeer(t, listener, url)
	clientB, peerB := connectPeer(t, listener, url)
	defer clientB.Close()

	// reset A's connection under the listener's feet
	tcpConn := clientA.ws.UnderlyingConn().(*net.TCPConn)
	tcpConn.SetLinger(0)
	tcpConn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = listener.SendTo(make([]byte, 1000), peerA)
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	// B does not notice anything
	if err := listener.SendTo([]byte("still here"), peerB); err != nil {
		t.Fatal(err)
	}
	clientB.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := clientB.Receive()
	if err != nil || string(got) != "still here" {
		t.Fatalf("got %q, err %v", got, err)
	}
}

func TestWebSocketListener_stalledPeer(t *testing.T) {
	listener, err := listenWebSocket(context.Background(), log.Log, "127.0.0.1:0", "/tunnel", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	url := "ws://" + listener.LocalAddr().String() + "/tunnel"

	// the client never reads, so the socket buffers fill up
	stalled, peer := connectPeer(t, listener, url)
	defer stalled.Close()

	pkt := make([]byte, 60000)
	for i := 0; i < 10000 && err == nil; i++ {
		err = listener.SendTo(pkt, peer)
	}
	if !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected ErrPeerGone, got %v", err)
	}
	if err := listener.SendTo(pkt, peer); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestStreamListener(t *testing.T) {
	ctx := context.Background()
	listener, err := Listen(ctx, log.Log, "tcp", "127.0.0.1:0", "")
	if err != nil {
		t.Fatal(err)
	}

	client, err := NewDialer(log.Log, &net.Dialer{}).DialContext(ctx, "tcp", listener.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	pkt, peer, err := listener.ReceiveFrom()
	if err != nil {
		t.Fatal(err)
	}
	if string(pkt) != "ping" {
		t.Fatalf("unexpected packet %q", pkt)
	}
	wantPeer := netip.MustParseAddrPort(client.LocalAddr().String())
	if peer != wantPeer {
		t.Fatalf("peer = %s, want %s", peer, wantPeer)
	}

	if err := listener.SendTo([]byte("pong"), peer); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := client.Receive()
	if err != nil || string(got) != "pong" {
		t.Fatalf("got %q, err %v", got, err)
	}

	if err := listener.SendTo([]byte("pong"), netip.MustParseAddrPort("192.0.2.1:1")); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	if err := listener.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := listener.ReceiveFrom(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if _, err := client.Receive(); err == nil {
		t.Fatal("expected an error after the listener closed")
	}
}

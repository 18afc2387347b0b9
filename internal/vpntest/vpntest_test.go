package vpntest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/netip"
	"os"
	"testing"
	"time"
)

func TestNewIPv4Packet(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("8.8.8.8")
	pkt := NewIPv4Packet(src, dst, []byte("deadbeef"))
	if pkt[0]>>4 != 4 {
		t.Fatalf("expected IPv4 packet, got version %d", pkt[0]>>4)
	}
	if got := netip.AddrFrom4([4]byte(pkt[12:16])); got != src {
		t.Errorf("src = %s, want %s", got, src)
	}
	if got := netip.AddrFrom4([4]byte(pkt[16:20])); got != dst {
		t.Errorf("dst = %s, want %s", got, dst)
	}
	if got := PayloadOf(pkt); !bytes.Equal(got, []byte("deadbeef")) {
		t.Errorf("payload = %q", got)
	}
	if got := binary.BigEndian.Uint16(pkt[22:24]); got != testDstPort {
		t.Errorf("destination port = %d, want %d", got, testDstPort)
	}
}

func TestPayloadOf(t *testing.T) {
	if got := PayloadOf(nil); got != nil {
		t.Errorf("expected nil payload, got %q", got)
	}
	if got := PayloadOf([]byte{0x45, 0x00}); got != nil {
		t.Errorf("expected nil payload for a truncated packet, got %q", got)
	}
}

func TestNewIPv6Packet(t *testing.T) {
	src := netip.MustParseAddr("fd00::2")
	dst := netip.MustParseAddr("2001:db8::1")
	pkt := NewIPv6Packet(src, dst, []byte("deadbeef"))
	if pkt[0]>>4 != 6 {
		t.Fatalf("expected IPv6 packet, got version %d", pkt[0]>>4)
	}
	if got := PayloadOf(pkt); !bytes.Equal(got, []byte("deadbeef")) {
		t.Errorf("payload = %q", got)
	}
}

func TestDevice(t *testing.T) {
	t.Run("read returns injected packets and close unblocks it", func(t *testing.T) {
		dev := NewDevice(1)
		dev.Inject([]byte{1, 2, 3})
		buf := make([]byte, 10)
		n, err := dev.Read(buf)
		if err != nil || n != 3 {
			t.Fatalf("n = %d, err = %v", n, err)
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			dev.Close()
		}()
		if _, err := dev.Read(buf); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
		if dev.Inject([]byte{1}) {
			t.Fatal("inject should fail after close")
		}
	})

	t.Run("write failures can be injected", func(t *testing.T) {
		dev := NewDevice(1)
		wantErr := errors.New("mocked error")
		dev.FailWrites(wantErr)
		if _, err := dev.Write([]byte{1}); !errors.Is(err, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	})
}

func TestTransport(t *testing.T) {
	t.Run("receive honours the read deadline", func(t *testing.T) {
		tr := NewTransport(1)
		tr.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		if _, err := tr.Receive(); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	})

	t.Run("a past deadline wakes up a blocked receive", func(t *testing.T) {
		tr := NewTransport(1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			tr.SetReadDeadline(time.Now().Add(-time.Second))
		}()
		if _, err := tr.Receive(); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
	})

	t.Run("close makes receive return EOF", func(t *testing.T) {
		tr := NewTransport(1)
		tr.Close()
		tr.Close()
		if _, err := tr.Receive(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
		if tr.Closes.Load() != 2 {
			t.Fatalf("expected two close calls")
		}
	})
}

func TestPacketListener(t *testing.T) {
	l := NewPacketListener(1)
	peer := netip.MustParseAddrPort("203.0.113.5:51820")
	l.Inject([]byte{0xde, 0xad}, peer)
	pkt, from, err := l.ReceiveFrom()
	if err != nil || from != peer || !bytes.Equal(pkt, []byte{0xde, 0xad}) {
		t.Fatalf("pkt = %v, from = %s, err = %v", pkt, from, err)
	}
	if err := l.SendTo([]byte{1}, peer); err != nil {
		t.Fatal(err)
	}
	if dg := <-l.Sent(); dg.Peer != peer {
		t.Fatalf("unexpected peer %s", dg.Peer)
	}
	l.Close()
	if _, _, err := l.ReceiveFrom(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

package networkio

import (
	"context"
	"io"
	"net"

	"github.com/ooni/toyvpn/internal/vpntest"
)

type mockedConn struct {
	conn    *vpntest.Conn
	dataIn  [][]byte
	dataOut [][]byte
}

func (mc *mockedConn) NetworkReads() [][]byte {
	return mc.dataOut
}

func (mc *mockedConn) NetworkWrites() [][]byte {
	return mc.dataIn
}

func newDialer(underlying *mockedConn) *vpntest.Dialer {
	dialer := &vpntest.Dialer{
		MockDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return underlying.conn, nil
		},
	}
	return dialer
}

// newMockedConn returns a conn that returns the dataOut chunks one read at a
// time and records writes into dataIn.
func newMockedConn(network string, dataIn, dataOut [][]byte) *mockedConn {
	conn := &mockedConn{
		dataIn:  dataIn,
		dataOut: dataOut,
	}
	conn.conn = &vpntest.Conn{
		MockLocalAddr: func() net.Addr {
			return vpntest.NewAddr(network, "1.2.3.4")
		},
		MockRead: func(b []byte) (int, error) {
			if len(conn.dataOut) > 0 {
				ln := copy(b[:], conn.dataOut[0])
				conn.dataOut = conn.dataOut[1:]
				return ln, nil
			}
			return 0, io.EOF
		},
		MockWrite: func(b []byte) (int, error) {
			conn.dataIn = append(conn.dataIn, b)
			return len(b), nil
		},
	}
	return conn
}

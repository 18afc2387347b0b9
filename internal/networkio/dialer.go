package networkio

import (
	"context"
	"fmt"
	"net"

	"github.com/ooni/toyvpn/internal/model"
)

// Dialer dials network connections. The zero value of this structure is
// invalid; please, use the [NewDialer] constructor.
type Dialer struct {
	// dialer is the underlying [model.Dialer] we use to dial.
	dialer model.Dialer

	// logger is the [Logger] with which we log.
	logger model.Logger
}

// NewDialer creates a new [Dialer] instance.
func NewDialer(logger model.Logger, dialer model.Dialer) *Dialer {
	return &Dialer{
		dialer: dialer,
		logger: logger,
	}
}

// DialContext establishes a connection and, on success, wraps it into the
// [Transport] matching the network: "udp" yields a [DatagramConn], "tcp"
// a [StreamConn], and "ws" or "wss" a [WebSocketConn] (in which case the
// address is the full URL of the websocket endpoint).
func (d *Dialer) DialContext(ctx context.Context, network, address string) (Transport, error) {
	switch network {
	case "ws", "wss":
		conn, err := dialWebSocket(ctx, d.dialContext, address)
		if err != nil {
			d.logger.Warnf("networkio: websocket dial failed: %s", err.Error())
			return nil, err
		}
		return conn, nil
	case "udp", "udp4", "udp6", "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("networkio: unsupported network: %s", network)
	}

	// dial with the underlying dialer
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		d.logger.Warnf("networkio: dial failed: %s", err.Error())
		return nil, err
	}

	// make sure the conn has close once semantics
	conn = newCloseOnceConn(conn)

	// wrap the conn and return
	switch conn.LocalAddr().Network() {
	case "udp", "udp4", "udp6":
		return NewDatagramConn(conn), nil
	default:
		return NewStreamConn(conn), nil
	}
}

// dialContext adapts the underlying dialer for the websocket dialer, which
// always dials TCP.
func (d *Dialer) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return newCloseOnceConn(conn), nil
}

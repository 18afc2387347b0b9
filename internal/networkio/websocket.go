package networkio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnexpectedMessage means the peer sent a non-binary websocket message.
var ErrUnexpectedMessage = errors.New("networkio: unexpected websocket message type")

// WebSocketConn carries one packet per binary websocket message.
//
// gorilla/websocket allows one concurrent reader and one concurrent writer,
// so we only need to serialize writes (which include close frames).
type WebSocketConn struct {
	ws *websocket.Conn

	// writeMu serializes writers.
	writeMu sync.Mutex

	// writeTimeout bounds each Send when positive.
	writeTimeout time.Duration

	// once ensures we close just once.
	once sync.Once

	// closeErr is the result of the first Close.
	closeErr error
}

var _ Transport = &WebSocketConn{}

// NewWebSocketConn wraps an established websocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(MaxPacketSize)
	return &WebSocketConn{ws: ws}
}

// Receive implements Transport
func (c *WebSocketConn) Receive() ([]byte, error) {
	kind, pkt, err := c.ws.ReadMessage()
	if err != nil {
		return nil, websocketError(err)
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessage, kind)
	}
	return pkt, nil
}

// Send implements Transport
func (c *WebSocketConn) Send(pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, pkt)
}

// SetReadDeadline implements Transport
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// LocalAddr implements Transport
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements Transport
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Close implements Transport. We try to tell the remote end we're going away
// before closing the underlying connection.
func (c *WebSocketConn) Close() error {
	c.once.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// websocketError maps a clean close (ours or theirs) to [io.EOF].
func websocketError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return io.EOF
	case errors.Is(err, net.ErrClosed):
		return io.EOF
	default:
		return err
	}
}

// dialWebSocket dials a websocket URL using the given dial function for the
// underlying TCP connection.
func dialWebSocket(ctx context.Context, dial func(context.Context, string, string) (net.Conn, error), url string) (*WebSocketConn, error) {
	dialer := &websocket.Dialer{
		NetDialContext:   dial,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}

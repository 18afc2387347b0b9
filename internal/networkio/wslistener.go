package networkio

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ooni/toyvpn/internal/model"
	"golang.org/x/sync/errgroup"
)

// WebSocketListener accepts websocket connections and exposes them as a
// single [PacketListener]. Each connection is a peer, keyed by its remote
// address.
type WebSocketListener struct {
	*peerSet

	listener     net.Listener
	server       *http.Server
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	// stop is closed by Close.
	stop     chan any
	stopOnce sync.Once

	group *errgroup.Group
}

var _ PacketListener = &WebSocketListener{}

// ListenWebSocket starts serving websocket upgrades on path. The listener
// shuts down when ctx is done or when Close is called.
func ListenWebSocket(ctx context.Context, logger model.Logger, address, path string) (*WebSocketListener, error) {
	return listenWebSocket(ctx, logger, address, path, DefaultPeerWriteTimeout)
}

func listenWebSocket(ctx context.Context, logger model.Logger, address, path string, writeTimeout time.Duration) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	wl := &WebSocketListener{
		peerSet:  newPeerSet(logger),
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxPacketSize,
			WriteBufferSize: MaxPacketSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		stop:         make(chan any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, wl.handle)
	wl.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := wl.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-wl.stop:
		}
		wl.shutdown()
		return nil
	})
	wl.group = group
	return wl, nil
}

// handle upgrades a request and reads packets until the connection dies.
func (wl *WebSocketListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := wl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wl.logger.Warnf("networkio: websocket upgrade: %s", err.Error())
		return
	}
	peer, err := peerFromAddr(ws.RemoteAddr())
	if err != nil {
		wl.logger.Warnf("networkio: websocket peer: %s", err.Error())
		ws.Close()
		return
	}
	conn := NewWebSocketConn(ws)
	conn.writeTimeout = wl.writeTimeout
	wl.serve(peer, conn)
}

// shutdown stops the HTTP server and closes every connection.
func (wl *WebSocketListener) shutdown() {
	// hijacked connections are not tracked by the server
	wl.server.Close()
	wl.peerSet.shutdown()
}

// LocalAddr implements PacketListener
func (wl *WebSocketListener) LocalAddr() net.Addr {
	return wl.listener.Addr()
}

// Close implements PacketListener and waits for the server to stop.
func (wl *WebSocketListener) Close() error {
	wl.stopOnce.Do(func() {
		close(wl.stop)
	})
	return wl.group.Wait()
}

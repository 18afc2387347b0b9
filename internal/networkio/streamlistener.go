package networkio

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ooni/toyvpn/internal/model"
	"golang.org/x/sync/errgroup"
)

// StreamListener accepts TCP connections and exposes them as a single
// [PacketListener]. Each connection is a peer, keyed by its remote address,
// and carries packets framed like [StreamConn] does.
type StreamListener struct {
	*peerSet

	listener     net.Listener
	writeTimeout time.Duration

	// stop is closed by Close.
	stop     chan any
	stopOnce sync.Once

	group *errgroup.Group
}

var _ PacketListener = &StreamListener{}

// ListenStream starts accepting connections. The listener shuts down when
// ctx is done or when Close is called.
func ListenStream(ctx context.Context, logger model.Logger, network, address string) (*StreamListener, error) {
	return listenStream(ctx, logger, network, address, DefaultPeerWriteTimeout)
}

func listenStream(ctx context.Context, logger model.Logger, network, address string, writeTimeout time.Duration) (*StreamListener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	sl := &StreamListener{
		peerSet:      newPeerSet(logger),
		listener:     ln,
		writeTimeout: writeTimeout,
		stop:         make(chan any),
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sl.acceptLoop(group)
	})
	group.Go(func() error {
		select {
		case <-gctx.Done():
		case <-sl.stop:
		}
		sl.listener.Close()
		sl.shutdown()
		return nil
	})
	sl.group = group
	return sl, nil
}

// acceptLoop accepts connections until the listener is closed.
func (sl *StreamListener) acceptLoop(group *errgroup.Group) error {
	for {
		// POSSIBLY BLOCK accepting a connection
		conn, err := sl.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		peer, err := peerFromAddr(conn.RemoteAddr())
		if err != nil {
			sl.logger.Warnf("networkio: stream peer: %s", err.Error())
			conn.Close()
			continue
		}
		stream := NewStreamConn(newCloseOnceConn(conn))
		stream.writeTimeout = sl.writeTimeout
		group.Go(func() error {
			sl.serve(peer, stream)
			return nil
		})
	}
}

// LocalAddr implements PacketListener
func (sl *StreamListener) LocalAddr() net.Addr {
	return sl.listener.Addr()
}

// Close implements PacketListener and waits for the connections to go away.
func (sl *StreamListener) Close() error {
	sl.stopOnce.Do(func() {
		close(sl.stop)
	})
	return sl.group.Wait()
}

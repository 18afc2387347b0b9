// Package server composes the server side of the tunnel: one listener
// multiplexing many clients, the session table, the address pool and the
// virtual device.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/ooni/toyvpn/internal/forwarding"
	"github.com/ooni/toyvpn/internal/handshake"
	"github.com/ooni/toyvpn/internal/ippool"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/sessiontable"
	"github.com/ooni/toyvpn/internal/stats"
	"github.com/ooni/toyvpn/internal/workers"
	"github.com/ooni/toyvpn/pkg/config"
	"golang.org/x/sync/errgroup"
)

// DeviceOpener opens the server virtual device. The device must carry the
// given tunnel address when Open returns.
type DeviceOpener interface {
	Open(ctx context.Context, addr netip.Prefix, mtu int) (model.Device, error)
}

// listenFunc opens the listener; it allows to override networkio.Listen in tests.
type listenFunc func(ctx context.Context, logger model.Logger, network, address, path string) (networkio.PacketListener, error)

// Server is a tunnel server. The zero value is invalid; please, use [New].
type Server struct {
	logger  model.Logger
	sink    model.StatsSink
	options *config.ServerOptions
	opener  DeviceOpener
	listen  listenFunc

	// mu protects table and addr.
	mu    sync.Mutex
	table *sessiontable.Table
	addr  net.Addr
}

// New creates a new [Server].
func New(cfg *config.ServerConfig, opener DeviceOpener) *Server {
	return &Server{
		logger:  cfg.Logger(),
		sink:    cfg.StatsSink(),
		options: cfg.ServerOptions(),
		opener:  opener,
		listen:  networkio.Listen,
	}
}

// Run serves clients until ctx is done or a fatal error occurs. It returns
// nil when stopped through ctx. The terminal status is also reported to the
// stats sink, which receives aggregate snapshots over all sessions.
func (s *Server) Run(ctx context.Context) error {
	err := s.run(ctx)
	s.sink.OnStop(model.Status{Err: err})
	return err
}

func (s *Server) run(ctx context.Context) error {
	opts := s.options
	if err := opts.Validate(); err != nil {
		return err
	}
	serverIP, bits, err := opts.TunnelNetwork()
	if err != nil {
		return err
	}
	routes, err := opts.ParseRoutes()
	if err != nil {
		return err
	}
	pool, err := ippool.New(serverIP, bits)
	if err != nil {
		return err
	}

	table := sessiontable.New(
		s.logger,
		opts.SessionTimeout,
		sessiontable.WithRoaming(opts.RoamingPolicy()),
		sessiontable.WithAdmit(pool.Leased),
		sessiontable.WithOnEvict(func(e *sessiontable.Entry) {
			pool.Release(e.Key)
			s.logger.Infof("server: released %s", e.Key)
		}),
	)
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()

	responder := handshake.NewResponder(s.logger, pool, table, opts.Tokens, routes)

	listener, err := s.listen(ctx, s.logger, opts.Proto, opts.Listen, opts.WebSocketPath)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrTransport, err)
	}
	s.logger.Infof("server: listening on %s (%s)", listener.LocalAddr(), opts.Proto)
	s.mu.Lock()
	s.addr = listener.LocalAddr()
	s.mu.Unlock()

	device, err := s.opener.Open(ctx, netip.PrefixFrom(serverIP, bits), opts.MTU)
	if err != nil {
		listener.Close()
		return fmt.Errorf("%w: %w", model.ErrDevice, err)
	}
	s.logger.Infof("server: tunnel network %s, gateway %s", pool.Prefix(), serverIP)

	manager := workers.NewManager(s.logger)
	svc := &forwarding.ServerService{
		Device:    device,
		Listener:  listener,
		Table:     table,
		Handshake: responder,
		Network:   pool.Prefix(),
		ServerIP:  serverIP,
		MTU:       opts.MTU,
	}
	svc.StartWorkers(s.logger, manager)
	table.StartSweeper(manager, opts.EffectiveSweepInterval())
	aggregator := stats.NewAggregator(s.logger, table, s.sink, opts.StatsInterval)
	aggregator.StartWorkers(manager)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		select {
		case <-gctx.Done():
			s.logger.Info("server: shutting down")
			manager.StartShutdown()
		case <-manager.ShouldShutdown():
		}
		return nil
	})
	group.Go(func() error {
		manager.WaitWorkersShutdown()
		aggregator.Close()
		return manager.Err()
	})
	return group.Wait()
}

// Sessions returns a snapshot of the current sessions, sorted by key.
func (s *Server) Sessions() []*sessiontable.Entry {
	s.mu.Lock()
	table := s.table
	s.mu.Unlock()
	if table == nil {
		return nil
	}
	return table.Entries()
}

// LocalAddr returns the address where we listen, or nil if we are not
// listening yet.
func (s *Server) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Package tunnel contains the public tunnel API.
package tunnel

import (
	"context"
	"net"

	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/server"
	"github.com/ooni/toyvpn/internal/session"
	"github.com/ooni/toyvpn/pkg/config"
)

// SimpleDialer establishes network connections.
type SimpleDialer interface {
	DialContext(ctx context.Context, network, endpoint string) (net.Conn, error)
}

// We're creating type aliases to expose the internal implementation on the public API.
type (
	// Session is a running client session.
	Session = session.Controller

	// Establisher brings up the client virtual device.
	Establisher = session.Establisher

	// Server is a tunnel server.
	Server = server.Server

	// DeviceOpener opens the server virtual device.
	DeviceOpener = server.DeviceOpener
)

// Start starts a VPN session initialized with the passed dialer and config, and
// returns the session, which can later be stopped. In case there was any error
// during the initialization of the session, it will also be returned by this function.
func Start(ctx context.Context, underlyingDialer SimpleDialer, cfg *config.Config, establisher Establisher) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer := networkio.NewDialer(cfg.Logger(), underlyingDialer)
	sess := session.NewController(cfg, dialer, establisher)
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// NewServer creates a server with the passed config. Use its Run method to
// serve clients.
func NewServer(cfg *config.ServerConfig, opener DeviceOpener) *Server {
	return server.New(cfg, opener)
}

// Serve runs a server with the passed config until ctx is done or a fatal
// error occurs. It returns nil when stopped through ctx.
func Serve(ctx context.Context, cfg *config.ServerConfig, opener DeviceOpener) error {
	return NewServer(cfg, opener).Run(ctx)
}

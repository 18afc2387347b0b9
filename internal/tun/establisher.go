package tun

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
	"github.com/ooni/toyvpn/internal/model"
)

// ErrNoGateway means we could not discover the default gateway.
var ErrNoGateway = errors.New("tun: cannot discover the default gateway")

// Establisher opens and configures the client TUN device. The zero value
// is invalid; please, use [NewEstablisher].
type Establisher struct {
	logger model.Logger
	name   string
	mtu    int
	server string

	// the fields below allow to override the system in tests
	open     func(name string) (NamedDevice, error)
	run      commandRunner
	discover func() (gw netip.Addr, dev string, err error)
	resolve  func(ctx context.Context, host string) (netip.Addr, error)
}

// NewEstablisher creates a new [Establisher] for a device with the given
// name and MTU. The server host is routed through the default gateway, so
// that the tunnel traffic does not loop into the tunnel.
func NewEstablisher(logger model.Logger, name string, mtu int, server string) *Establisher {
	return &Establisher{
		logger: logger,
		name:   name,
		mtu:    mtu,
		server: server,
		open: func(name string) (NamedDevice, error) {
			return Open(name)
		},
		run:      runCommand,
		discover: discoverGateway,
		resolve:  resolveIPv4,
	}
}

// Establish implements session.Establisher.
func (e *Establisher) Establish(ctx context.Context, nc *model.NetworkConfig) (model.Device, error) {
	device, err := e.open(e.name)
	if err != nil {
		return nil, err
	}
	if err := e.configure(ctx, device.Name(), nc); err != nil {
		device.Close()
		return nil, err
	}
	e.logger.Infof("tun: %s is up with %s", device.Name(), nc)
	return device, nil
}

func (e *Establisher) configure(ctx context.Context, dev string, nc *model.NetworkConfig) error {
	if e.server != "" {
		e.addHostRoute(ctx)
	}
	for _, args := range clientCommands(dev, nc, e.mtu) {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.logger.Debugf("tun: ip %v", args)
		if err := e.run(ipPath, args...); err != nil {
			return err
		}
	}
	return nil
}

// addHostRoute routes the server through the default gateway. Failures only
// produce warnings, since routes may already be in place.
func (e *Establisher) addHostRoute(ctx context.Context) {
	server, err := e.resolve(ctx, e.server)
	if err != nil {
		e.logger.Warnf("tun: cannot resolve %s, routes might be broken: %s", e.server, err.Error())
		return
	}
	gw, dev, err := e.discover()
	if err != nil {
		e.logger.Warnf("tun: %s, routes might be broken", err.Error())
		return
	}
	args := hostRouteCommand(server, gw, dev)
	e.logger.Debugf("tun: ip %v", args)
	if err := e.run(ipPath, args...); err != nil {
		e.logger.Warnf("tun: %s", err.Error())
	}
}

func discoverGateway() (netip.Addr, string, error) {
	gwIP, err := gateway.DiscoverGateway()
	if err != nil {
		return netip.Addr{}, "", errors.Join(ErrNoGateway, err)
	}
	gw, ok := netip.AddrFromSlice(gwIP)
	if !ok {
		return netip.Addr{}, "", ErrNoGateway
	}
	// the interface name is optional for ip route
	var dev string
	if ifaceIP, err := gateway.DiscoverInterface(); err == nil {
		dev, _ = interfaceByIP(ifaceIP)
	}
	return gw.Unmap(), dev, nil
}

func resolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0].Unmap(), nil
}

// ServerOpener opens and configures the server TUN device.
type ServerOpener struct {
	logger model.Logger
	name   string
	open   func(name string) (NamedDevice, error)
	run    commandRunner
}

// NewServerOpener creates a new [ServerOpener].
func NewServerOpener(logger model.Logger, name string) *ServerOpener {
	return &ServerOpener{
		logger: logger,
		name:   name,
		open: func(name string) (NamedDevice, error) {
			return Open(name)
		},
		run: runCommand,
	}
}

// Open implements server.DeviceOpener.
func (o *ServerOpener) Open(ctx context.Context, addr netip.Prefix, mtu int) (model.Device, error) {
	device, err := o.open(o.name)
	if err != nil {
		return nil, err
	}
	for _, args := range linkCommands(device.Name(), addr, mtu) {
		o.logger.Debugf("tun: ip %v", args)
		if err := o.run(ipPath, args...); err != nil {
			device.Close()
			return nil, err
		}
	}
	o.logger.Infof("tun: %s is up with %s", device.Name(), addr)
	return device, nil
}

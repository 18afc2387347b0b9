package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// DefaultMTU is the conventional MTU of the virtual device.
const DefaultMTU = 1500

// Route is a destination network the client should send through the tunnel.
type Route struct {
	// Destination is the network address of the route.
	Destination netip.Addr

	// PrefixLength is the length of the network prefix.
	PrefixLength int
}

// Prefix returns the route as a [netip.Prefix].
func (r Route) Prefix() netip.Prefix {
	return netip.PrefixFrom(r.Destination, r.PrefixLength).Masked()
}

// IsDefault returns whether this is a default route.
func (r Route) IsDefault() bool {
	return r.PrefixLength == 0
}

// String implements fmt.Stringer.
func (r Route) String() string {
	return fmt.Sprintf("%s/%d", r.Destination, r.PrefixLength)
}

// NetworkConfig is the configuration assigned to a client by the handshake. It
// is produced once per session and must not be modified afterwards.
type NetworkConfig struct {
	// ClientIP is the tunnel address assigned to the client.
	ClientIP netip.Addr

	// ServerIP is the tunnel address of the gateway.
	ServerIP netip.Addr

	// PrefixLength is the prefix length of the tunnel network.
	PrefixLength int

	// Routes is the ordered list of routes to install.
	Routes []Route
}

// Network returns the tunnel network.
func (nc *NetworkConfig) Network() netip.Prefix {
	return netip.PrefixFrom(nc.ClientIP, nc.PrefixLength).Masked()
}

// HasRoutes returns whether the server pushed at least one route.
func (nc *NetworkConfig) HasRoutes() bool {
	return len(nc.Routes) > 0
}

// WithDefaultRoute returns a copy of the config that carries the given
// fallback route when the server pushed none.
func (nc *NetworkConfig) WithDefaultRoute(fallback Route) *NetworkConfig {
	out := &NetworkConfig{
		ClientIP:     nc.ClientIP,
		ServerIP:     nc.ServerIP,
		PrefixLength: nc.PrefixLength,
		Routes:       append([]Route{}, nc.Routes...),
	}
	if len(out.Routes) == 0 {
		out.Routes = append(out.Routes, fallback)
	}
	return out
}

// String implements fmt.Stringer.
func (nc *NetworkConfig) String() string {
	routes := make([]string, 0, len(nc.Routes))
	for _, r := range nc.Routes {
		routes = append(routes, r.String())
	}
	return fmt.Sprintf("ip=%s/%d gw=%s routes=[%s]",
		nc.ClientIP, nc.PrefixLength, nc.ServerIP, strings.Join(routes, ","))
}

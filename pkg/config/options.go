package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/ooni/toyvpn/internal/bytesx"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/sessiontable"
	"gopkg.in/yaml.v3"
)

// ErrBadConfig is the generic error returned for invalid options.
var ErrBadConfig = errors.New("bad config")

const (
	// ProtoUDP carries each packet in a UDP datagram.
	ProtoUDP = "udp"

	// ProtoTCP carries length-prefixed packets over TCP.
	ProtoTCP = "tcp"

	// ProtoWS carries each packet in a binary websocket message.
	ProtoWS = "ws"
)

const (
	// DefaultPort is the port where the server listens by default.
	DefaultPort = "12345"

	// DefaultHandshakeTimeout is the default handshake timeout.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultStatsInterval is the default interval between stats snapshots.
	DefaultStatsInterval = time.Second

	// DefaultSessionTimeout is the default inactivity timeout of the server sessions.
	DefaultSessionTimeout = 5 * time.Minute

	// DefaultWebSocketPath is the default path of the websocket endpoint.
	DefaultWebSocketPath = "/tunnel"
)

// ClientOptions are the options of a client, as read from a config file.
type ClientOptions struct {
	// Remote is the server endpoint, in the host:port form. For the websocket
	// protocol it is the URL of the endpoint (e.g. ws://host:port/tunnel).
	Remote string `yaml:"remote"`

	// Proto is one of "udp", "tcp" and "ws".
	Proto string `yaml:"proto"`

	// Token authenticates us with the server.
	Token string `yaml:"token"`

	// Device is the name of the TUN device to create. Empty means that the
	// operating system picks the name.
	Device string `yaml:"device"`

	// MTU is the MTU of the TUN device.
	MTU int `yaml:"mtu"`

	// HandshakeTimeout bounds the whole handshake.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`

	// StatsInterval is the interval between stats snapshots.
	StatsInterval time.Duration `yaml:"stats-interval"`

	// DefaultRoute is installed when the server does not push any route.
	// It is a prefix such as "0.0.0.0/0", or empty.
	DefaultRoute string `yaml:"default-route"`
}

// NewClientOptions returns the default client options.
func NewClientOptions() *ClientOptions {
	return &ClientOptions{
		Proto:            ProtoUDP,
		MTU:              model.DefaultMTU,
		HandshakeTimeout: DefaultHandshakeTimeout,
		StatsInterval:    DefaultStatsInterval,
	}
}

// Validate returns an error wrapping [ErrBadConfig] if the options are invalid.
func (o *ClientOptions) Validate() error {
	switch o.Proto {
	case ProtoUDP, ProtoTCP:
		_, port, err := splitHostPort(o.Remote)
		if err != nil {
			return fmt.Errorf("%w: remote: %s", ErrBadConfig, err.Error())
		}
		if port == 0 {
			return fmt.Errorf("%w: remote: missing port", ErrBadConfig)
		}
	case ProtoWS:
		u, err := url.Parse(o.Remote)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: remote: expected a ws:// or wss:// URL, got %q", ErrBadConfig, o.Remote)
		}
	default:
		return fmt.Errorf("%w: unknown proto %q", ErrBadConfig, o.Proto)
	}
	if err := validateMTU(o.MTU); err != nil {
		return err
	}
	if o.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake-timeout must be positive", ErrBadConfig)
	}
	if o.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats-interval must be positive", ErrBadConfig)
	}
	if _, err := o.ParseDefaultRoute(); err != nil {
		return err
	}
	return nil
}

// ParseDefaultRoute returns the fallback route, or nil when there is none.
func (o *ClientOptions) ParseDefaultRoute() (*model.Route, error) {
	if o.DefaultRoute == "" {
		return nil, nil
	}
	route, err := parseRoute(o.DefaultRoute)
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// ServerOptions are the options of a server, as read from a config file.
type ServerOptions struct {
	// Listen is the local address, in the host:port form.
	Listen string `yaml:"listen"`

	// Proto is one of "udp", "tcp" and "ws".
	Proto string `yaml:"proto"`

	// WebSocketPath is the path where we accept websocket upgrades.
	WebSocketPath string `yaml:"ws-path"`

	// Device is the name of the TUN device to create.
	Device string `yaml:"device"`

	// TunnelIP is the tunnel address of the server.
	TunnelIP string `yaml:"tunnel-ip"`

	// TunnelMask is the netmask of the tunnel network.
	TunnelMask string `yaml:"tunnel-mask"`

	// Routes are pushed to the clients, as prefixes.
	Routes []string `yaml:"routes"`

	// MTU is the MTU of the TUN device.
	MTU int `yaml:"mtu"`

	// SessionTimeout is the inactivity timeout after which we forget a client.
	SessionTimeout time.Duration `yaml:"session-timeout"`

	// SweepInterval is the interval between two sweeps of the session
	// table. Zero means a fourth of the session timeout, but at least a second.
	SweepInterval time.Duration `yaml:"sweep-interval"`

	// Tokens are the accepted tokens. No tokens means any token is accepted.
	Tokens []string `yaml:"tokens"`

	// Roaming is either "follow" or "pinned".
	Roaming string `yaml:"roaming"`

	// StatsInterval is the interval between stats snapshots.
	StatsInterval time.Duration `yaml:"stats-interval"`
}

// NewServerOptions returns the default server options.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Listen:         ":" + DefaultPort,
		Proto:          ProtoUDP,
		WebSocketPath:  DefaultWebSocketPath,
		TunnelIP:       "10.0.0.1",
		TunnelMask:     "255.255.255.0",
		Routes:         []string{"0.0.0.0/0"},
		MTU:            model.DefaultMTU,
		SessionTimeout: DefaultSessionTimeout,
		Roaming:        sessiontable.RoamingFollow.String(),
		StatsInterval:  DefaultStatsInterval,
	}
}

// Validate returns an error wrapping [ErrBadConfig] if the options are invalid.
func (o *ServerOptions) Validate() error {
	switch o.Proto {
	case ProtoUDP, ProtoTCP, ProtoWS:
	default:
		return fmt.Errorf("%w: unknown proto %q", ErrBadConfig, o.Proto)
	}
	if _, _, err := splitHostPort(o.Listen); err != nil {
		return fmt.Errorf("%w: listen: %s", ErrBadConfig, err.Error())
	}
	if o.Proto == ProtoWS && (o.WebSocketPath == "" || o.WebSocketPath[0] != '/') {
		return fmt.Errorf("%w: ws-path must start with /", ErrBadConfig)
	}
	if _, _, err := o.TunnelNetwork(); err != nil {
		return err
	}
	if _, err := o.ParseRoutes(); err != nil {
		return err
	}
	if err := validateMTU(o.MTU); err != nil {
		return err
	}
	if o.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session-timeout must be positive", ErrBadConfig)
	}
	if o.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep-interval must not be negative", ErrBadConfig)
	}
	if o.StatsInterval <= 0 {
		return fmt.Errorf("%w: stats-interval must be positive", ErrBadConfig)
	}
	if _, err := sessiontable.ParseRoamingPolicy(o.Roaming); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	return nil
}

// TunnelNetwork returns the server tunnel address and the prefix length of
// the tunnel network.
func (o *ServerOptions) TunnelNetwork() (netip.Addr, int, error) {
	addr, err := netip.ParseAddr(o.TunnelIP)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, 0, fmt.Errorf("%w: tunnel-ip: expected an IPv4 address, got %q", ErrBadConfig, o.TunnelIP)
	}
	mask, err := netip.ParseAddr(o.TunnelMask)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: tunnel-mask: %s", ErrBadConfig, err.Error())
	}
	bits, err := bytesx.MaskToPrefixLength(mask)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: tunnel-mask: %s", ErrBadConfig, err.Error())
	}
	return addr, bits, nil
}

// ParseRoutes returns the routes to push to the clients.
func (o *ServerOptions) ParseRoutes() ([]model.Route, error) {
	routes := make([]model.Route, 0, len(o.Routes))
	for _, s := range o.Routes {
		route, err := parseRoute(s)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// RoamingPolicy returns the parsed roaming policy.
func (o *ServerOptions) RoamingPolicy() sessiontable.RoamingPolicy {
	policy, _ := sessiontable.ParseRoamingPolicy(o.Roaming)
	return policy
}

// EffectiveSweepInterval returns the interval between two sweeps.
func (o *ServerOptions) EffectiveSweepInterval() time.Duration {
	if o.SweepInterval > 0 {
		return o.SweepInterval
	}
	return max(o.SessionTimeout/4, time.Second)
}

func parseRoute(s string) (model.Route, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil || !prefix.Addr().Is4() {
		return model.Route{}, fmt.Errorf("%w: route: expected an IPv4 prefix, got %q", ErrBadConfig, s)
	}
	prefix = prefix.Masked()
	return model.Route{Destination: prefix.Addr(), PrefixLength: prefix.Bits()}, nil
}

func validateMTU(mtu int) error {
	if mtu < 576 || mtu > 65535 {
		return fmt.Errorf("%w: mtu out of range: %d", ErrBadConfig, mtu)
	}
	return nil
}

// readYAML reads the YAML file at path into out, which already contains
// the defaults.
func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrBadConfig, path, err.Error())
	}
	return nil
}

// ReadConfigFile reads and validates the client options in the YAML file
// at path. Missing keys keep their default value.
func ReadConfigFile(path string) (*ClientOptions, error) {
	opts := NewClientOptions()
	if err := readYAML(path, opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ReadServerConfigFile reads and validates the server options in the YAML
// file at path. Missing keys keep their default value.
func ReadServerConfigFile(path string) (*ServerOptions, error) {
	opts := NewServerOptions()
	if err := readYAML(path, opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

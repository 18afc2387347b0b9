package config

import (
	"errors"
	"net/netip"
	"os"
	fp "path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/runtimex"
	"github.com/ooni/toyvpn/internal/sessiontable"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.tracer == nil {
			t.Errorf("tracer should not be nil")
		}
		if c.sink == nil {
			t.Errorf("sink should not be nil")
		}
	})
	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != testLogger {
			t.Errorf("expected logger to be set to the configured one")
		}
	})
	t.Run("WithTracer sets the tracer", func(t *testing.T) {
		testTracer := model.Tracer(model.DummyTracer{})
		c := NewConfig(WithTracer(testTracer))
		if c.Tracer() != testTracer {
			t.Errorf("expected tracer to be set to the configured one")
		}
	})
	t.Run("WithStatsSink sets the sink", func(t *testing.T) {
		sink := model.NewTestSink()
		c := NewConfig(WithStatsSink(sink))
		if c.StatsSink() != sink {
			t.Errorf("expected sink to be set to the configured one")
		}
	})

	t.Run("WithConfigFile sets ClientOptions after parsing the configured file", func(t *testing.T) {
		configFile := writeConfigFile(t.TempDir(), sampleConfigFile)
		c := NewConfig(WithConfigFile(configFile))
		want := &ClientOptions{
			Remote:           "2.3.4.5:12345",
			Proto:            "udp",
			Token:            "s3cr3t",
			MTU:              1400,
			HandshakeTimeout: 5 * time.Second,
			StatsInterval:    DefaultStatsInterval,
			DefaultRoute:     "0.0.0.0/0",
		}
		if diff := cmp.Diff(want, c.ClientOptions()); diff != "" {
			t.Error(diff)
		}
		wantRemote := &Remote{
			Endpoint: "2.3.4.5:12345",
			Protocol: "udp",
		}
		if diff := cmp.Diff(c.Remote(), wantRemote); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("WithConfigFile panics on an invalid file", func(t *testing.T) {
		configFile := writeConfigFile(t.TempDir(), "proto: carrier-pigeon\n")
		assertPanic(t, func() { NewConfig(WithConfigFile(configFile)) })
	})
}

func assertPanic(t *testing.T, f func()) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected code to panic")
		}
	}()
	f()
}

var sampleConfigFile = `
remote: 2.3.4.5:12345
proto: udp
token: s3cr3t
mtu: 1400
handshake-timeout: 5s
default-route: 0.0.0.0/0
`

func writeConfigFile(dir, content string) string {
	cfg := fp.Join(dir, "config.yaml")
	runtimex.PanicOnError(os.WriteFile(cfg, []byte(content), 0600), "cannot write config")
	return cfg
}

func TestClientOptions_Validate(t *testing.T) {
	valid := func() *ClientOptions {
		opts := NewClientOptions()
		opts.Remote = "192.0.2.1:12345"
		return opts
	}

	tests := []struct {
		name    string
		modify  func(o *ClientOptions)
		wantErr bool
	}{
		{"defaults plus a remote", func(o *ClientOptions) {}, false},
		{"tcp", func(o *ClientOptions) { o.Proto = ProtoTCP }, false},
		{"websocket URL", func(o *ClientOptions) { o.Proto = ProtoWS; o.Remote = "wss://vpn.example.com/tunnel" }, false},
		{"websocket without URL", func(o *ClientOptions) { o.Proto = ProtoWS }, true},
		{"missing remote", func(o *ClientOptions) { o.Remote = "" }, true},
		{"bad port", func(o *ClientOptions) { o.Remote = "192.0.2.1:99999" }, true},
		{"zero port", func(o *ClientOptions) { o.Remote = "192.0.2.1:0" }, true},
		{"unknown proto", func(o *ClientOptions) { o.Proto = "quic" }, true},
		{"small mtu", func(o *ClientOptions) { o.MTU = 100 }, true},
		{"zero handshake timeout", func(o *ClientOptions) { o.HandshakeTimeout = 0 }, true},
		{"zero stats interval", func(o *ClientOptions) { o.StatsInterval = 0 }, true},
		{"bad default route", func(o *ClientOptions) { o.DefaultRoute = "default" }, true},
		{"ipv6 default route", func(o *ClientOptions) { o.DefaultRoute = "::/0" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.modify(opts)
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadConfig) {
				t.Fatalf("expected ErrBadConfig, got %v", err)
			}
		})
	}
}

func TestClientOptions_ParseDefaultRoute(t *testing.T) {
	opts := NewClientOptions()
	route, err := opts.ParseDefaultRoute()
	if err != nil || route != nil {
		t.Fatalf("expected no route, got %v, %v", route, err)
	}
	opts.DefaultRoute = "10.1.2.3/8"
	route, err = opts.ParseDefaultRoute()
	if err != nil {
		t.Fatal(err)
	}
	want := &model.Route{Destination: netip.MustParseAddr("10.0.0.0"), PrefixLength: 8}
	if diff := cmp.Diff(want, route, addrComparer); diff != "" {
		t.Fatal(diff)
	}
}

func TestServerConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		c := NewServerConfig()
		if err := c.Validate(); err != nil {
			t.Fatal(err)
		}
		opts := c.ServerOptions()
		if opts.Listen != ":12345" {
			t.Errorf("unexpected listen address %s", opts.Listen)
		}
		addr, bits, err := opts.TunnelNetwork()
		if err != nil || addr != netip.MustParseAddr("10.0.0.1") || bits != 24 {
			t.Errorf("unexpected tunnel network %s/%d: %v", addr, bits, err)
		}
		routes, _ := opts.ParseRoutes()
		want := []model.Route{{Destination: netip.MustParseAddr("0.0.0.0"), PrefixLength: 0}}
		if diff := cmp.Diff(want, routes, addrComparer); diff != "" {
			t.Error(diff)
		}
		if opts.RoamingPolicy() != sessiontable.RoamingFollow {
			t.Error("expected roaming to follow by default")
		}
		if got := opts.EffectiveSweepInterval(); got != DefaultSessionTimeout/4 {
			t.Errorf("unexpected sweep interval %s", got)
		}
	})

	t.Run("WithServerLogger and WithServerStatsSink", func(t *testing.T) {
		logger := model.NewTestLogger()
		sink := model.NewTestSink()
		c := NewServerConfig(WithServerLogger(logger), WithServerStatsSink(sink))
		if c.Logger() != logger || c.StatsSink() != sink {
			t.Error("expected the configured logger and sink")
		}
	})

	t.Run("WithServerConfigFile", func(t *testing.T) {
		configFile := writeConfigFile(t.TempDir(), `
listen: 127.0.0.1:4000
proto: ws
tunnel-ip: 172.16.0.1
tunnel-mask: 255.255.0.0
routes: [192.168.0.0/16, 10.10.0.0/16]
tokens: [alice, bob]
roaming: pinned
session-timeout: 2s
`)
		c := NewServerConfig(WithServerConfigFile(configFile))
		opts := c.ServerOptions()
		if opts.Proto != ProtoWS || opts.WebSocketPath != DefaultWebSocketPath {
			t.Errorf("unexpected proto %s path %s", opts.Proto, opts.WebSocketPath)
		}
		if diff := cmp.Diff([]string{"alice", "bob"}, opts.Tokens); diff != "" {
			t.Error(diff)
		}
		if opts.RoamingPolicy() != sessiontable.RoamingPinned {
			t.Error("expected pinned roaming")
		}
		if got := opts.EffectiveSweepInterval(); got != time.Second {
			t.Errorf("sweep interval should be at least one second, got %s", got)
		}
		_, bits, _ := opts.TunnelNetwork()
		if bits != 16 {
			t.Errorf("unexpected prefix length %d", bits)
		}
	})
}

func TestServerOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(o *ServerOptions)
		wantErr bool
	}{
		{"defaults", func(o *ServerOptions) {}, false},
		{"tcp", func(o *ServerOptions) { o.Proto = ProtoTCP }, false},
		{"websocket", func(o *ServerOptions) { o.Proto = ProtoWS }, false},
		{"any port", func(o *ServerOptions) { o.Listen = "127.0.0.1:0" }, false},
		{"unknown proto", func(o *ServerOptions) { o.Proto = "quic" }, true},
		{"bad listen", func(o *ServerOptions) { o.Listen = "12345" }, true},
		{"bad listen port", func(o *ServerOptions) { o.Listen = ":-1" }, true},
		{"bad ws path", func(o *ServerOptions) { o.Proto = ProtoWS; o.WebSocketPath = "tunnel" }, true},
		{"ipv6 tunnel", func(o *ServerOptions) { o.TunnelIP = "fd00::1" }, true},
		{"non contiguous mask", func(o *ServerOptions) { o.TunnelMask = "255.0.255.0" }, true},
		{"bad route", func(o *ServerOptions) { o.Routes = []string{"everything"} }, true},
		{"bad mtu", func(o *ServerOptions) { o.MTU = 0 }, true},
		{"zero timeout", func(o *ServerOptions) { o.SessionTimeout = 0 }, true},
		{"negative sweep", func(o *ServerOptions) { o.SweepInterval = -time.Second }, true},
		{"zero stats interval", func(o *ServerOptions) { o.StatsInterval = 0 }, true},
		{"bad roaming", func(o *ServerOptions) { o.Roaming = "sometimes" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewServerOptions()
			tt.modify(opts)
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadConfig) {
				t.Fatalf("expected ErrBadConfig, got %v", err)
			}
		})
	}
}

func TestReadConfigFile_errors(t *testing.T) {
	if _, err := ReadConfigFile(fp.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	path := writeConfigFile(t.TempDir(), "remote: [unterminated\n")
	if _, err := ReadConfigFile(path); !errors.Is(err, ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

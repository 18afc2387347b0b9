// Package config contains the configuration of the toyvpn client and server.
package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/apex/log"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/runtimex"
)

// Config contains options to initialize a toyvpn client.
type Config struct {
	// clientOptions contains the tunnel options.
	clientOptions *ClientOptions

	// logger will be used to log events.
	logger model.Logger

	// if a tracer is provided, it will be used to trace the session lifecycle.
	tracer model.Tracer

	// sink receives the stats snapshots and the terminal status.
	sink model.StatsSink
}

// NewConfig returns a Config ready to intialize a vpn tunnel.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		clientOptions: NewClientOptions(),
		logger:        log.Log,
		tracer:        model.DummyTracer{},
		sink:          model.NopSink{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize a client.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithTracer configures the passed [model.Tracer].
func WithTracer(tracer model.Tracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// Tracer returns the tracer.
func (c *Config) Tracer() model.Tracer {
	return c.tracer
}

// WithStatsSink configures where to deliver stats and the terminal status.
func WithStatsSink(sink model.StatsSink) Option {
	return func(config *Config) {
		config.sink = sink
	}
}

// StatsSink returns the stats sink.
func (c *Config) StatsSink() model.StatsSink {
	return c.sink
}

// WithConfigFile configures ClientOptions parsed from the given file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		opts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.clientOptions = opts
	}
}

// WithClientOptions configures the passed client options.
func WithClientOptions(opts *ClientOptions) Option {
	return func(config *Config) {
		config.clientOptions = opts
	}
}

// ClientOptions returns the configured client options.
func (c *Config) ClientOptions() *ClientOptions {
	return c.clientOptions
}

// Remote has info about the server, useful to pass to the dialer.
type Remote struct {
	// Endpoint is in the form ip:port, or a URL for websockets.
	Endpoint string

	// Protocol is one of "udp", "tcp" and "ws".
	Protocol string
}

// Remote returns the server remote.
func (c *Config) Remote() *Remote {
	return &Remote{
		Endpoint: c.clientOptions.Remote,
		Protocol: c.clientOptions.Proto,
	}
}

// Validate checks the client options.
func (c *Config) Validate() error {
	return c.clientOptions.Validate()
}

// splitHostPort is like net.SplitHostPort but also validates the port. A
// zero port is accepted, since it means "any port" for listeners.
func splitHostPort(endpoint string) (string, int, error) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}
	value, err := strconv.Atoi(port)
	if err != nil || value < 0 || value > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", port)
	}
	return host, value, nil
}

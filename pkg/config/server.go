package config

import (
	"github.com/apex/log"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/runtimex"
)

// ServerConfig contains options to initialize a toyvpn server.
type ServerConfig struct {
	serverOptions *ServerOptions
	logger        model.Logger
	sink          model.StatsSink
}

// ServerOption is an option you can pass to initialize a server.
type ServerOption func(config *ServerConfig)

// NewServerConfig returns a ServerConfig ready to initialize a server.
func NewServerConfig(options ...ServerOption) *ServerConfig {
	cfg := &ServerConfig{
		serverOptions: NewServerOptions(),
		logger:        log.Log,
		sink:          model.NopSink{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// WithServerLogger configures the passed [Logger].
func WithServerLogger(logger model.Logger) ServerOption {
	return func(config *ServerConfig) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *ServerConfig) Logger() model.Logger {
	return c.logger
}

// WithServerStatsSink configures where to deliver the aggregate stats.
func WithServerStatsSink(sink model.StatsSink) ServerOption {
	return func(config *ServerConfig) {
		config.sink = sink
	}
}

// StatsSink returns the stats sink.
func (c *ServerConfig) StatsSink() model.StatsSink {
	return c.sink
}

// WithServerConfigFile configures ServerOptions parsed from the given file.
func WithServerConfigFile(configPath string) ServerOption {
	return func(config *ServerConfig) {
		opts, err := ReadServerConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.serverOptions = opts
	}
}

// WithServerOptions configures the passed server options.
func WithServerOptions(opts *ServerOptions) ServerOption {
	return func(config *ServerConfig) {
		config.serverOptions = opts
	}
}

// ServerOptions returns the configured server options.
func (c *ServerConfig) ServerOptions() *ServerOptions {
	return c.serverOptions
}

// Validate checks the server options.
func (c *ServerConfig) Validate() error {
	return c.serverOptions.Validate()
}

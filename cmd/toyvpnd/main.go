// Command toyvpnd runs a toyvpn server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pborman/getopt/v2"

	"github.com/ooni/toyvpn/internal/logx"
	"github.com/ooni/toyvpn/internal/tun"
	"github.com/ooni/toyvpn/pkg/config"
	"github.com/ooni/toyvpn/pkg/tunnel"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file (defaults are used if empty)")
	optListen := getopt.StringLong("listen", 'l', "", "Local address, overrides the configuration")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")
	optColor := getopt.BoolLong("color", 'C', "Use colored log output")
	helpFlag := getopt.Bool('h', "Display help")
	getopt.Parse()

	if *helpFlag {
		getopt.Usage()
		os.Exit(0)
	}

	logger := logx.NewLogger(*optVerbosity, *optColor)

	opts := config.NewServerOptions()
	if *optConfig != "" {
		var err error
		if opts, err = config.ReadServerConfigFile(*optConfig); err != nil {
			fmt.Fprintln(os.Stderr, "fatal: "+err.Error())
			os.Exit(1)
		}
	}
	if *optListen != "" {
		opts.Listen = *optListen
	}

	cfg := config.NewServerConfig(
		config.WithServerOptions(opts),
		config.WithServerLogger(logger),
		config.WithServerStatsSink(logx.NewStatsSink(logger, "toyvpnd")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tunnel.Serve(ctx, cfg, tun.NewServerOpener(logger, opts.Device)); err != nil {
		logger.WithError(err).Error("toyvpnd")
		os.Exit(1)
	}
}

// Command toyvpn connects to a toyvpn server and routes traffic through it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pborman/getopt/v2"

	"github.com/ooni/toyvpn/internal/logx"
	"github.com/ooni/toyvpn/internal/runtimex"
	"github.com/ooni/toyvpn/internal/tun"
	"github.com/ooni/toyvpn/pkg/config"
	"github.com/ooni/toyvpn/pkg/tracex"
	"github.com/ooni/toyvpn/pkg/tunnel"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")
	optColor := getopt.BoolLong("color", 'C', "Use colored log output")
	optTrace := getopt.StringLong("trace", 't', "", "Write a JSON trace of the session to this file")
	helpFlag := getopt.Bool('h', "Display help")
	getopt.Parse()

	if *helpFlag || *optConfig == "" {
		getopt.Usage()
		os.Exit(0)
	}

	logger := logx.NewLogger(*optVerbosity, *optColor)
	logger.Debugf("config file: %s", *optConfig)

	opts, err := config.ReadConfigFile(*optConfig)
	if err == nil {
		err = opts.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: "+err.Error())
		os.Exit(1)
	}

	options := []config.Option{
		config.WithClientOptions(opts),
		config.WithLogger(logger),
		config.WithStatsSink(logx.NewStatsSink(logger, "toyvpn")),
	}
	var tracer *tracex.Tracer
	if *optTrace != "" {
		tracer = tracex.NewTracer(time.Now())
		options = append(options, config.WithTracer(tracer))
	}
	cfg := config.NewConfig(options...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	establisher := tun.NewEstablisher(logger, opts.Device, opts.MTU, serverHost(cfg.Remote()))
	sess, err := tunnel.Start(ctx, &net.Dialer{}, cfg, establisher)
	if err == nil {
		go func() {
			<-ctx.Done()
			sess.Stop()
		}()
		err = sess.Wait()
	}

	if tracer != nil {
		writeTrace(tracer, *optTrace)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("toyvpn")
		os.Exit(1)
	}
}

// serverHost returns the host of the server endpoint.
func serverHost(remote *config.Remote) string {
	if remote.Protocol == config.ProtoWS {
		u, err := url.Parse(remote.Endpoint)
		runtimex.PanicOnError(err, "cannot parse the websocket URL")
		return u.Hostname()
	}
	host, _, err := net.SplitHostPort(remote.Endpoint)
	runtimex.PanicOnError(err, "cannot parse the remote endpoint")
	return host
}

func writeTrace(tracer *tracex.Tracer, path string) {
	fp, err := os.Create(path)
	runtimex.PanicOnError(err, "cannot create trace file")
	defer fp.Close()
	runtimex.PanicOnError(tracer.WriteJSON(fp), "cannot write trace")
	fmt.Println("trace written to", path)
}

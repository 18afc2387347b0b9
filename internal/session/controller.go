// Package session implements the client side of a tunnel session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/ooni/toyvpn/internal/forwarding"
	"github.com/ooni/toyvpn/internal/handshake"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/networkio"
	"github.com/ooni/toyvpn/internal/stats"
	"github.com/ooni/toyvpn/internal/workers"
	"github.com/ooni/toyvpn/pkg/config"
)

var (
	// ErrNotIdle is returned by Start when a session is already running.
	ErrNotIdle = errors.New("session: not idle")

	// ErrStopped is returned by Start when Stop is called before the
	// session becomes active.
	ErrStopped = errors.New("session: stopped")
)

// Establisher brings up the virtual device for a network configuration. The
// returned device must already carry the address and the routes in nc.
type Establisher interface {
	Establish(ctx context.Context, nc *model.NetworkConfig) (model.Device, error)
}

// TransportDialer dials the transport to the server. [*networkio.Dialer]
// implements this interface.
type TransportDialer interface {
	DialContext(ctx context.Context, network, address string) (networkio.Transport, error)
}

var _ TransportDialer = &networkio.Dialer{}

// Controller drives the lifecycle of a client session:
//
//	S_IDLE -> S_HANDSHAKING -> S_ESTABLISHING -> S_ACTIVE -> S_STOPPING -> S_IDLE
//
// A Controller can run one session at a time and may be started again once
// the previous session is over. The zero value is invalid; please, use
// [NewController]. This struct is concurrency safe.
type Controller struct {
	logger      model.Logger
	tracer      model.Tracer
	sink        model.StatsSink
	options     *config.ClientOptions
	remote      *config.Remote
	dialer      TransportDialer
	establisher Establisher

	// mu protects the fields below.
	mu            sync.Mutex
	state         model.SessionState
	cancel        context.CancelFunc
	stopRequested bool
	manager       *workers.Manager
	transport     networkio.Transport
	device        model.Device
	nc            *model.NetworkConfig
	counters      *stats.Counters
	done          chan any
	err           error
}

// NewController creates a new [Controller].
func NewController(cfg *config.Config, dialer TransportDialer, establisher Establisher) *Controller {
	done := make(chan any)
	close(done)
	return &Controller{
		logger:      cfg.Logger(),
		tracer:      cfg.Tracer(),
		sink:        cfg.StatsSink(),
		options:     cfg.ClientOptions(),
		remote:      cfg.Remote(),
		dialer:      dialer,
		establisher: establisher,
		state:       model.S_IDLE,
		counters:    &stats.Counters{},
		done:        done,
	}
}

// Start dials the server, runs the handshake, establishes the device and
// starts forwarding. The ctx bounds the startup only: once Start returns
// nil, use Stop to end the session.
//
// When Start fails, the failure is also reported to the stats sink.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != model.S_IDLE {
		c.mu.Unlock()
		return ErrNotIdle
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	c.stopRequested = false
	c.nc = nil
	c.err = nil
	c.counters = &stats.Counters{}
	c.done = make(chan any)
	c.setState(model.S_HANDSHAKING)
	c.mu.Unlock()

	if err := c.start(startCtx); err != nil {
		c.mu.Lock()
		stopped := c.stopRequested
		if c.state != model.S_STOPPING {
			c.setState(model.S_STOPPING)
		}
		transport, device := c.transport, c.device
		c.mu.Unlock()
		if transport != nil {
			transport.Close()
		}
		if device != nil {
			device.Close()
		}
		if stopped {
			c.finish(nil)
			return ErrStopped
		}
		c.logger.Warnf("session: start failed: %s", err.Error())
		c.finish(err)
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	network, address := c.dialArgs()
	c.logger.Infof("session: connecting to %s (%s)", address, network)
	transport, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrHandshake, err)
	}
	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()

	hctx, hcancel := context.WithTimeout(ctx, c.options.HandshakeTimeout)
	defer hcancel()
	nc, err := handshake.NewClient(c.logger, c.tracer).Do(hctx, transport, c.options.Token)
	if err != nil {
		return err
	}
	if !nc.HasRoutes() {
		fallback, err := c.options.ParseDefaultRoute()
		if err != nil || fallback == nil {
			return fmt.Errorf("%w: the server pushed no routes", model.ErrHandshake)
		}
		nc = nc.WithDefaultRoute(*fallback)
	}

	if err := c.advance(func() {
		c.nc = nc
		c.setState(model.S_ESTABLISHING)
	}); err != nil {
		return err
	}
	device, err := c.establisher.Establish(ctx, nc)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrDevice, err)
	}
	c.mu.Lock()
	c.device = device
	c.mu.Unlock()

	manager := workers.NewManager(c.logger)
	return c.advance(func() {
		c.manager = manager
		svc := &forwarding.Service{
			Device:    device,
			Transport: transport,
			Counters:  c.counters,
			MTU:       c.options.MTU,
		}
		svc.StartWorkers(c.logger, manager)
		aggregator := stats.NewAggregator(c.logger, c.counters, c.sink, c.options.StatsInterval)
		aggregator.StartWorkers(manager)
		c.setState(model.S_ACTIVE)
		c.logger.Infof("session: active with %s", nc)
		go c.supervise(manager, aggregator)
	})
}

// advance runs fx with the lock held, unless a stop was requested, in which
// case it returns [ErrStopped].
func (c *Controller) advance(fx func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRequested {
		return ErrStopped
	}
	fx()
	return nil
}

// dialArgs returns the network and the address to dial.
func (c *Controller) dialArgs() (string, string) {
	if c.remote.Protocol == config.ProtoWS {
		if u, err := url.Parse(c.remote.Endpoint); err == nil {
			return u.Scheme, c.remote.Endpoint
		}
	}
	return c.remote.Protocol, c.remote.Endpoint
}

// supervise waits for the workers to terminate and ends the session.
func (c *Controller) supervise(manager *workers.Manager, aggregator *stats.Aggregator) {
	<-manager.ShouldShutdown()
	c.mu.Lock()
	if c.state == model.S_ACTIVE {
		c.setState(model.S_STOPPING)
	}
	c.mu.Unlock()
	manager.WaitWorkersShutdown()
	aggregator.Close()
	c.finish(manager.Err())
}

// finish reports the terminal status and goes back to S_IDLE.
func (c *Controller) finish(err error) {
	c.sink.OnStop(model.Status{Err: err})

	c.mu.Lock()
	c.err = err
	c.cancel = nil
	c.manager = nil
	c.transport = nil
	c.device = nil
	c.setState(model.S_IDLE)
	done := c.done
	c.mu.Unlock()

	close(done)
}

// Stop ends the session, cancelling an in-flight startup, and waits until
// the terminal status has been reported. Calling Stop on an idle or
// stopping session does nothing but wait.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case model.S_HANDSHAKING, model.S_ESTABLISHING:
		c.stopRequested = true
		c.setState(model.S_STOPPING)
		c.cancel()
	case model.S_ACTIVE:
		c.setState(model.S_STOPPING)
		c.manager.StartShutdown()
	}
	done := c.done
	c.mu.Unlock()
	<-done
}

// Wait blocks until the current session is over and returns the terminal
// error, which is nil when the session was stopped.
func (c *Controller) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current state.
func (c *Controller) State() model.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NetworkConfig returns the configuration obtained by the last handshake,
// or nil if there was none.
func (c *Controller) NetworkConfig() *model.NetworkConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// Totals returns the bytes sent and received by the last session.
func (c *Controller) Totals() (tx, rx uint64) {
	c.mu.Lock()
	counters := c.counters
	c.mu.Unlock()
	return counters.Totals()
}

// setState must be called with mu held.
func (c *Controller) setState(state model.SessionState) {
	c.logger.Infof("[@] %s -> %s", c.state, state)
	c.state = state
	c.tracer.OnStateChange(state)
}

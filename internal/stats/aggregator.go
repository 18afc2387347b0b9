package stats

import (
	"sync/atomic"
	"time"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/workers"
)

// DefaultInterval is the default sampling interval.
const DefaultInterval = time.Second

// Aggregator samples a [CounterSource] at a fixed interval and publishes
// snapshots to a [model.StatsSink].
//
// Snapshots go through a one-slot mailbox where a newer snapshot replaces a
// pending one, and are delivered by a goroutine that is not a worker. A slow
// sink therefore loses intermediate snapshots and never delays forwarding
// nor the shutdown. Use [Aggregator.Close] before reporting the terminal
// status, so that the sink sees no snapshot after it.
type Aggregator struct {
	logger   model.Logger
	source   CounterSource
	sink     model.StatsSink
	interval time.Duration

	// timeNow allows to override time in tests.
	timeNow func() time.Time

	mailbox chan model.StatsSnapshot

	// started is set by StartWorkers; closed is set by Close.
	started atomic.Bool
	closed  atomic.Bool

	// dispatched is closed when the dispatcher returns.
	dispatched chan any
}

// NewAggregator creates a new [Aggregator]. A non positive interval means
// [DefaultInterval].
func NewAggregator(logger model.Logger, source CounterSource, sink model.StatsSink, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		logger:     logger,
		source:     source,
		sink:       sink,
		interval:   interval,
		timeNow:    time.Now,
		mailbox:    make(chan model.StatsSnapshot, 1),
		dispatched: make(chan any),
	}
}

// StartWorkers starts the sampling worker on manager, plus the goroutine
// delivering snapshots to the sink. An Aggregator can only be started once.
func (a *Aggregator) StartWorkers(manager *workers.Manager) {
	a.started.Store(true)
	go a.dispatch()
	manager.StartWorker(func() {
		a.sampleLoop(manager)
	})
}

func (a *Aggregator) sampleLoop(manager *workers.Manager) {
	workerName := "stats: sampler"

	defer func() {
		close(a.mailbox)
		manager.OnWorkerDone(workerName)
	}()

	a.logger.Debugf("%s: started", workerName)

	start := a.timeNow()
	prev := TakeSample(a.source, start)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cur := TakeSample(a.source, a.timeNow())
			a.publish(Compute(start, prev, cur))
			prev = cur

		case <-manager.ShouldShutdown():
			return
		}
	}
}

// publish never blocks: a snapshot the sink did not consume yet is replaced.
func (a *Aggregator) publish(snap model.StatsSnapshot) {
	for {
		select {
		case a.mailbox <- snap:
			return
		default:
		}
		select {
		case <-a.mailbox:
		default:
		}
	}
}

func (a *Aggregator) dispatch() {
	defer close(a.dispatched)
	for snap := range a.mailbox {
		if a.closed.Load() {
			continue
		}
		// POSSIBLY BLOCK on the sink
		a.sink.OnStats(snap)
	}
}

// Close discards the pending snapshot and waits for a delivery in progress,
// so that the sink receives nothing once Close returns. It must be called
// after the workers have terminated.
func (a *Aggregator) Close() {
	a.closed.Store(true)
	if a.started.Load() {
		<-a.dispatched
	}
}

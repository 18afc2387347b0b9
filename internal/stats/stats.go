// Package stats counts the bytes flowing through a tunnel and periodically
// reports totals and rates to a [model.StatsSink].
package stats

import (
	"sync/atomic"
	"time"

	"github.com/ooni/toyvpn/internal/model"
)

// CounterSource provides cumulative byte counters.
type CounterSource interface {
	// Totals returns the bytes sent and received so far.
	Totals() (tx, rx uint64)
}

// Counters are the byte counters of a client session. They are written by
// the forwarding workers and read by the [Aggregator].
type Counters struct {
	tx atomic.Uint64
	rx atomic.Uint64
}

var _ CounterSource = &Counters{}

// AddTx accounts for n bytes sent.
func (c *Counters) AddTx(n int) {
	c.tx.Add(uint64(n))
}

// AddRx accounts for n bytes received.
func (c *Counters) AddRx(n int) {
	c.rx.Add(uint64(n))
}

// Totals implements CounterSource.
func (c *Counters) Totals() (tx, rx uint64) {
	return c.tx.Load(), c.rx.Load()
}

// Sample is the value of the counters at a given time.
type Sample struct {
	At time.Time
	Tx uint64
	Rx uint64
}

// TakeSample reads the counters of source at now.
func TakeSample(source CounterSource, now time.Time) Sample {
	tx, rx := source.Totals()
	return Sample{At: now, Tx: tx, Rx: rx}
}

// Compute builds the snapshot for cur given the previous sample and the time
// when forwarding started. Rates are zero when no time has elapsed since
// prev, and when a counter went backwards.
func Compute(start time.Time, prev, cur Sample) model.StatsSnapshot {
	elapsed := cur.At.Sub(prev.At).Seconds()
	return model.StatsSnapshot{
		ElapsedSeconds: cur.At.Sub(start).Seconds(),
		TxTotal:        cur.Tx,
		RxTotal:        cur.Rx,
		TxRate:         rate(prev.Tx, cur.Tx, elapsed),
		RxRate:         rate(prev.Rx, cur.Rx, elapsed),
	}
}

func rate(prev, cur uint64, elapsed float64) float64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed
}

package model

// StatsSnapshot is a point-in-time view of the traffic counters.
type StatsSnapshot struct {
	// ElapsedSeconds is the time since forwarding started.
	ElapsedSeconds float64

	// TxTotal is the number of bytes sent through the tunnel.
	TxTotal uint64

	// RxTotal is the number of bytes received through the tunnel.
	RxTotal uint64

	// TxRate is the sending rate in bytes per second.
	TxRate float64

	// RxRate is the receiving rate in bytes per second.
	RxRate float64
}

// Status is the terminal status of a session.
type Status struct {
	// Err is the error that terminated the session, or nil if the
	// session was stopped on request.
	Err error
}

// String returns "Stopped" for a clean stop and the error text otherwise.
func (s Status) String() string {
	if s.Err == nil {
		return "Stopped"
	}
	return s.Err.Error()
}

// StatsSink receives traffic snapshots and terminal status events.
type StatsSink interface {
	// OnStats is called with a new snapshot.
	OnStats(snap StatsSnapshot)

	// OnStop is called once when a session terminates.
	OnStop(status Status)
}

// NopSink is a [StatsSink] that discards everything.
type NopSink struct{}

var _ StatsSink = NopSink{}

// OnStats implements StatsSink.
func (NopSink) OnStats(StatsSnapshot) {}

// OnStop implements StatsSink.
func (NopSink) OnStop(Status) {}

// Package logx contains the log handler and the stats sink used by the
// command line tools.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/stats"
)

// Handler is a plain apex/log handler prefixing each line with the time
// elapsed since start.
type Handler struct {
	io.Writer
	start time.Time
	mu    sync.Mutex
}

var _ log.Handler = &Handler{}

// NewHandler creates a new [Handler] writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{Writer: w, start: time.Now()}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) (err error) {
	var s string
	elapsed := e.Timestamp.Sub(h.start).Seconds()
	switch e.Level {
	case log.DebugLevel:
		s = e.Message
	case log.ErrorLevel:
		s = fmt.Sprintf("[%14.6f] <!err> %s", elapsed, e.Message)
	default:
		s = fmt.Sprintf("[%14.6f] <%s> %s", elapsed, e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write([]byte(s))
	return
}

// LevelFromVerbosity maps a verbosity between 1 and 5 to a log level.
func LevelFromVerbosity(verbosity uint16) log.Level {
	switch verbosity {
	case 1:
		return log.FatalLevel
	case 2:
		return log.ErrorLevel
	case 3:
		return log.WarnLevel
	case 4:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// NewLogger creates the logger for a command line tool. With color, we use
// the colored apex/log cli handler.
func NewLogger(verbosity uint16, color bool) *log.Logger {
	var handler log.Handler = NewHandler(os.Stderr)
	if color {
		handler = cli.New(os.Stderr)
	}
	return &log.Logger{Level: LevelFromVerbosity(verbosity), Handler: handler}
}

// StatsSink is a [model.StatsSink] that logs snapshots and the terminal status.
type StatsSink struct {
	logger model.Logger
	name   string
}

var _ model.StatsSink = &StatsSink{}

// NewStatsSink creates a new [StatsSink] whose lines start with name.
func NewStatsSink(logger model.Logger, name string) *StatsSink {
	return &StatsSink{logger: logger, name: name}
}

// OnStats implements model.StatsSink.
func (s *StatsSink) OnStats(snap model.StatsSnapshot) {
	s.logger.Infof(
		"%s: up %s (%s) down %s (%s) in %.0fs",
		s.name,
		stats.FormatTotal(snap.TxTotal),
		stats.FormatRate(snap.TxRate),
		stats.FormatTotal(snap.RxTotal),
		stats.FormatRate(snap.RxRate),
		snap.ElapsedSeconds,
	)
}

// OnStop implements model.StatsSink.
func (s *StatsSink) OnStop(status model.Status) {
	if status.Err != nil {
		s.logger.Warnf("%s: %s", s.name, status)
		return
	}
	s.logger.Infof("%s: %s", s.name, status)
}

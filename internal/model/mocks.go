package model

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogger is a [Logger] that records every line it receives. It is safe
// to use from concurrent workers.
type TestLogger struct {
	mu    sync.Mutex
	lines []string
}

func (tl *TestLogger) append(msg string) {
	tl.mu.Lock()
	tl.lines = append(tl.lines, msg)
	tl.mu.Unlock()
}

func (tl *TestLogger) Debug(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Debugf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Info(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Infof(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}
func (tl *TestLogger) Warn(msg string) {
	tl.append(msg)
}
func (tl *TestLogger) Warnf(format string, v ...any) {
	tl.append(fmt.Sprintf(format, v...))
}

// Lines returns a copy of the recorded lines.
func (tl *TestLogger) Lines() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string{}, tl.lines...)
}

// Contains returns whether any recorded line contains substr.
func (tl *TestLogger) Contains(substr string) bool {
	for _, line := range tl.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		lines: make([]string, 0),
	}
}

// TestSink is a [StatsSink] that records what it receives.
type TestSink struct {
	mu        sync.Mutex
	snapshots []StatsSnapshot
	statuses  []Status

	// Stopped is closed on the first OnStop call.
	Stopped chan any
}

var _ StatsSink = &TestSink{}

// NewTestSink creates a new [TestSink].
func NewTestSink() *TestSink {
	return &TestSink{Stopped: make(chan any)}
}

// OnStats implements StatsSink.
func (ts *TestSink) OnStats(snap StatsSnapshot) {
	ts.mu.Lock()
	ts.snapshots = append(ts.snapshots, snap)
	ts.mu.Unlock()
}

// OnStop implements StatsSink.
func (ts *TestSink) OnStop(status Status) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.statuses = append(ts.statuses, status)
	if len(ts.statuses) == 1 {
		close(ts.Stopped)
	}
}

// Snapshots returns a copy of the recorded snapshots.
func (ts *TestSink) Snapshots() []StatsSnapshot {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]StatsSnapshot{}, ts.snapshots...)
}

// Statuses returns a copy of the recorded terminal statuses.
func (ts *TestSink) Statuses() []Status {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]Status{}, ts.statuses...)
}

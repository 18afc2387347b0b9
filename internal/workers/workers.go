// Package workers contains code to manage workers.
package workers

import (
	"sync"

	"github.com/ooni/toyvpn/internal/model"
)

// Manager coordinates the lifecycles of the workers forwarding packets for a
// session. The first worker that fails records the terminal error and tears
// everything else down. The zero value is invalid; use [NewManager].
type Manager struct {
	// logger is the logger to use.
	logger model.Logger

	// shouldShutdown is closed to signal all workers to shut down.
	shouldShutdown chan any

	// shutdownOnce ensures we close shouldShutdown once.
	shutdownOnce sync.Once

	// wg tracks the running workers.
	wg *sync.WaitGroup

	// mu protects err.
	mu sync.Mutex

	// err is the first error reported through Fail.
	err error
}

// NewManager creates a new manager.
func NewManager(logger model.Logger) *Manager {
	return &Manager{
		logger:         logger,
		shouldShutdown: make(chan any),
		shutdownOnce:   sync.Once{},
		wg:             &sync.WaitGroup{},
	}
}

// StartWorker starts a worker in a background goroutine.
func (m *Manager) StartWorker(fx func()) {
	m.wg.Add(1)
	go fx()
}

// OnWorkerDone must be called when a worker goroutine terminates.
func (m *Manager) OnWorkerDone(name string) {
	m.logger.Debugf("%s: worker done", name)
	m.wg.Done()
}

// StartShutdown initiates the shutdown of all workers.
func (m *Manager) StartShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shouldShutdown)
	})
}

// ShouldShutdown returns the channel closed when workers should shut down.
func (m *Manager) ShouldShutdown() <-chan any {
	return m.shouldShutdown
}

// IsShuttingDown returns whether StartShutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	select {
	case <-m.shouldShutdown:
		return true
	default:
		return false
	}
}

// Fail records err as the terminal error and starts the shutdown. Errors
// reported after the shutdown has started are the consequence of tearing
// down resources, so we only log them.
func (m *Manager) Fail(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	if m.err == nil && !m.IsShuttingDown() {
		m.err = err
		m.logger.Warnf("workers: terminal error: %s", err.Error())
	} else {
		m.logger.Debugf("workers: ignoring error during shutdown: %s", err.Error())
	}
	m.mu.Unlock()
	m.StartShutdown()
}

// Err returns the terminal error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// WaitWorkersShutdown blocks until all workers have shut down.
func (m *Manager) WaitWorkersShutdown() {
	m.wg.Wait()
}

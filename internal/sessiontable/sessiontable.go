// Package sessiontable maps tunnel addresses to the physical peers serving
// them, so that a single listening socket can serve many clients.
//
// Entries are created by the handshake or by the first admitted packet
// carrying a new source address, and are refreshed by every packet the client
// sends. A background sweeper evicts entries idle for longer than the
// configured timeout.
package sessiontable

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/packet"
	"github.com/ooni/toyvpn/internal/workers"
)

var (
	// ErrMalformedPacket means we could not read the source address.
	ErrMalformedPacket = errors.New("sessiontable: malformed packet")

	// ErrNotAdmitted means that an unknown client is not allowed to create
	// a session.
	ErrNotAdmitted = errors.New("sessiontable: client not admitted")

	// ErrPeerMismatch means that a packet for a known session came from a
	// peer other than the one serving it, and roaming is disabled.
	ErrPeerMismatch = errors.New("sessiontable: peer mismatch")
)

// RoamingPolicy decides what happens when a packet for a known session
// arrives from a different physical peer.
type RoamingPolicy int

const (
	// RoamingFollow moves the session to the new peer. This supports
	// clients changing networks, but anyone able to forge the source
	// address of a client can hijack its return traffic.
	RoamingFollow = RoamingPolicy(iota)

	// RoamingPinned drops the packet. Only a new handshake moves a session.
	RoamingPinned
)

// String implements fmt.Stringer.
func (p RoamingPolicy) String() string {
	switch p {
	case RoamingFollow:
		return "follow"
	case RoamingPinned:
		return "pinned"
	default:
		return "invalid"
	}
}

// ParseRoamingPolicy parses the output of [RoamingPolicy.String].
func ParseRoamingPolicy(s string) (RoamingPolicy, error) {
	switch s {
	case "follow", "":
		return RoamingFollow, nil
	case "pinned":
		return RoamingPinned, nil
	default:
		return 0, fmt.Errorf("sessiontable: unknown roaming policy: %q", s)
	}
}

// Option configures a [Table].
type Option func(t *Table)

// WithRoaming sets the roaming policy. The default is [RoamingFollow].
func WithRoaming(policy RoamingPolicy) Option {
	return func(t *Table) {
		t.roaming = policy
	}
}

// WithAdmit sets the function deciding whether a packet from an unknown
// client may create a session. The default admits everyone.
func WithAdmit(admit func(key netip.Addr) bool) Option {
	return func(t *Table) {
		t.admit = admit
	}
}

// WithOnEvict sets a function called for each entry removed by Sweep.
func WithOnEvict(onEvict func(e *Entry)) Option {
	return func(t *Table) {
		t.onEvict = onEvict
	}
}

// Table is the session table. The zero value is invalid; use [New].
type Table struct {
	logger  model.Logger
	timeout time.Duration
	roaming RoamingPolicy
	admit   func(key netip.Addr) bool
	onEvict func(e *Entry)

	// timeNow allows to override time in tests.
	timeNow func() time.Time

	// mu protects entries.
	mu      sync.RWMutex
	entries map[netip.Addr]*Entry

	// totals counts the bytes of every session, past and present.
	totals counters
}

// New creates a [Table] evicting sessions idle for longer than timeout.
func New(logger model.Logger, timeout time.Duration, opts ...Option) *Table {
	t := &Table{
		logger:  logger,
		timeout: timeout,
		roaming: RoamingFollow,
		admit:   func(netip.Addr) bool { return true },
		onEvict: func(*Entry) {},
		timeNow: time.Now,
		entries: make(map[netip.Addr]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve returns the session owning the source address of pkt, received
// from peer. It refreshes the session activity and applies the roaming
// policy, or creates a new session if the client is admitted.
func (t *Table) Resolve(peer netip.AddrPort, pkt []byte) (*Entry, error) {
	key, err := packet.Source(pkt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPacket, err.Error())
	}
	now := t.timeNow()

	// touching under the lock keeps a concurrent Sweep from evicting
	// an entry we are about to return
	t.mu.RLock()
	entry := t.entries[key]
	if entry != nil && (t.roaming != RoamingPinned || entry.Peer() == peer) {
		entry.touch(now)
	}
	t.mu.RUnlock()

	if entry == nil {
		if !t.admit(key) {
			return nil, fmt.Errorf("%w: %s from %s", ErrNotAdmitted, key, peer)
		}
		t.mu.Lock()
		entry = t.entries[key]
		if entry == nil {
			entry = newEntry(key, peer, now, &t.totals)
			t.entries[key] = entry
			t.mu.Unlock()
			t.logger.Infof("sessiontable: new session %s for %s at %s", entry.ID, key, peer)
			return entry, nil
		}
		t.mu.Unlock()
	}

	if current := entry.Peer(); current != peer {
		if t.roaming == RoamingPinned {
			return nil, fmt.Errorf("%w: %s is served by %s, not %s", ErrPeerMismatch, key, current, peer)
		}
		old := entry.setPeer(peer)
		t.logger.Infof("sessiontable: %s roamed: %s -> %s", key, old, peer)
	}
	entry.touch(now)
	return entry, nil
}

// Register binds key to peer on behalf of a successful handshake. A new
// handshake for a known key moves the session and restarts its counters.
func (t *Table) Register(key netip.Addr, peer netip.AddrPort) {
	now := t.timeNow()
	t.mu.Lock()
	entry := t.entries[key]
	if entry == nil {
		entry = newEntry(key, peer, now, &t.totals)
		t.entries[key] = entry
		t.mu.Unlock()
		t.logger.Infof("sessiontable: new session %s for %s at %s", entry.ID, key, peer)
		return
	}
	entry.setPeer(peer)
	entry.touch(now)
	entry.txBytes.Store(0)
	entry.rxBytes.Store(0)
	t.mu.Unlock()
	t.logger.Infof("sessiontable: restarted session %s for %s at %s", entry.ID, key, peer)
}

// RouteFor returns the session owning dst. A miss wraps [model.ErrSessionMiss]
// and is a normal outcome: the caller drops the packet.
func (t *Table) RouteFor(dst netip.Addr) (*Entry, error) {
	t.mu.RLock()
	entry := t.entries[dst]
	t.mu.RUnlock()
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionMiss, dst)
	}
	return entry, nil
}

// Sweep removes the sessions idle for longer than the timeout at now and
// returns them.
func (t *Table) Sweep(now time.Time) []*Entry {
	var evicted []*Entry
	t.mu.Lock()
	for key, entry := range t.entries {
		if now.Sub(entry.LastActivity()) > t.timeout {
			delete(t.entries, key)
			evicted = append(evicted, entry)
		}
	}
	t.mu.Unlock()

	for _, entry := range evicted {
		t.logger.Infof("sessiontable: expired session %s for %s", entry.ID, entry.Key)
		t.onEvict(entry)
	}
	return evicted
}

// Totals returns the bytes sent and received by all sessions, including
// those that no longer exist.
func (t *Table) Totals() (tx, rx uint64) {
	return t.totals.tx.Load(), t.totals.rx.Load()
}

// Entries returns the current sessions ordered by key.
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	out := make([]*Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Entry) int {
		return a.Key.Compare(b.Key)
	})
	return out
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// StartSweeper starts a worker sweeping the table every interval until
// the manager shuts down.
func (t *Table) StartSweeper(manager *workers.Manager, interval time.Duration) {
	manager.StartWorker(func() {
		t.sweepLoop(manager, interval)
	})
}

func (t *Table) sweepLoop(manager *workers.Manager, interval time.Duration) {
	workerName := "sessiontable: sweeper"

	defer func() {
		manager.OnWorkerDone(workerName)
		manager.StartShutdown()
	}()

	t.logger.Debugf("%s: started", workerName)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(t.timeNow())
		case <-manager.ShouldShutdown():
			return
		}
	}
}

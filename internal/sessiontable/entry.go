package sessiontable

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entry is the state of a client session. Counters and timestamps may be
// read and updated concurrently.
type Entry struct {
	// ID uniquely identifies this entry in logs.
	ID uuid.UUID

	// Key is the tunnel address of the client.
	Key netip.Addr

	// CreatedAt is when the entry was created.
	CreatedAt time.Time

	// mu protects peer.
	mu   sync.Mutex
	peer netip.AddrPort

	// lastActivity is in nanoseconds since the epoch.
	lastActivity atomic.Int64

	txBytes atomic.Uint64
	rxBytes atomic.Uint64

	// totals are the table-wide counters, which outlive the entry.
	totals *counters
}

// counters accounts for bytes in both directions.
type counters struct {
	tx atomic.Uint64
	rx atomic.Uint64
}

func newEntry(key netip.Addr, peer netip.AddrPort, now time.Time, totals *counters) *Entry {
	e := &Entry{
		ID:        uuid.New(),
		Key:       key,
		CreatedAt: now,
		peer:      peer,
		totals:    totals,
	}
	e.touch(now)
	return e
}

// Peer returns the physical peer currently serving this session.
func (e *Entry) Peer() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// setPeer moves the session to peer and returns the previous peer.
func (e *Entry) setPeer(peer netip.AddrPort) netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.peer
	e.peer = peer
	return old
}

// LastActivity returns the last time the client sent us something.
func (e *Entry) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

func (e *Entry) touch(now time.Time) {
	e.lastActivity.Store(now.UnixNano())
}

// TxBytes returns the bytes sent to the client.
func (e *Entry) TxBytes() uint64 {
	return e.txBytes.Load()
}

// RxBytes returns the bytes received from the client.
func (e *Entry) RxBytes() uint64 {
	return e.rxBytes.Load()
}

// AddTx accounts for n bytes sent to the client. The table totals include
// them even when the entry has been evicted meanwhile.
func (e *Entry) AddTx(n int) {
	e.txBytes.Add(uint64(n))
	e.totals.tx.Add(uint64(n))
}

// AddRx accounts for n bytes received from the client.
func (e *Entry) AddRx(n int) {
	e.rxBytes.Add(uint64(n))
	e.totals.rx.Add(uint64(n))
}

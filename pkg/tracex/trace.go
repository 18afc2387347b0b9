// Package tracex implements a session tracer that can be passed to the
// client configuration to observe the lifecycle and handshake events.
package tracex

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ooni/toyvpn/internal/handshake"
	"github.com/ooni/toyvpn/internal/model"
	"github.com/ooni/toyvpn/internal/optional"
)

const (
	eventStateChange = iota
	eventPacketIn
	eventPacketOut
	eventHandshakeDone
)

// EventType indicates which event we logged.
type EventType int

// Ensure that it implements the Stringer interface.
var _ fmt.Stringer = EventType(0)

// String implements fmt.Stringer
func (e EventType) String() string {
	switch e {
	case eventStateChange:
		return "state"
	case eventPacketIn:
		return "packet_in"
	case eventPacketOut:
		return "packet_out"
	case eventHandshakeDone:
		return "handshake_done"
	default:
		return "unknown"
	}
}

// Event is an event collected by this [model.Tracer].
type Event struct {
	// EventType is the type for this event.
	EventType string `json:"operation"`

	// Stage is the session state when the event happened.
	Stage string `json:"stage"`

	// AtTime is the time for this event, relative to the start time.
	AtTime float64 `json:"t"`

	// Tags is an array of tags that can be useful to interpret this event,
	// like the assigned address.
	Tags []string `json:"tags"`

	// LoggedPacket is an optional packet metadata.
	LoggedPacket optional.Value[LoggedPacket] `json:"packet"`

	// TransactionID is an optional index identifying one particular session.
	TransactionID int64 `json:"transaction_id,omitempty"`
}

func newEvent(etype EventType, st model.SessionState, t time.Time, t0 time.Time, txid int64) *Event {
	return &Event{
		EventType:     etype.String(),
		Stage:         strings.TrimPrefix(st.String(), "S_"),
		AtTime:        t.Sub(t0).Seconds(),
		Tags:          make([]string, 0),
		LoggedPacket:  optional.None[LoggedPacket](),
		TransactionID: txid,
	}
}

// LoggedPacket tracks metadata about a handshake packet.
type LoggedPacket struct {
	Direction string `json:"operation"`

	// Opcode is the name of the handshake opcode.
	Opcode string `json:"opcode"`

	// Size is the size of the packet in bytes.
	Size int `json:"size"`
}

// Tracer implements [model.Tracer].
type Tracer struct {
	// events is the array of events.
	events []*Event

	// mu guards access to the events and the stage.
	mu sync.Mutex

	// stage is the last state we have seen.
	stage model.SessionState

	// transactionID is an optional index that will be added to any events produced by this tracer.
	transactionID int64

	// zeroTime is the time when we started a trace.
	zeroTime time.Time

	// timeNow allows to override time in tests.
	timeNow func() time.Time
}

var _ model.Tracer = &Tracer{}

// NewTracer returns a Tracer with the passed start time.
func NewTracer(start time.Time) *Tracer {
	return NewTracerWithTransactionID(start, 0)
}

// NewTracerWithTransactionID returns a Tracer with the passed start time and the given
// identifier for a transaction, which lets you cross-reference traces of
// several sessions.
func NewTracerWithTransactionID(start time.Time, txid int64) *Tracer {
	return &Tracer{
		stage:         model.S_IDLE,
		transactionID: txid,
		zeroTime:      start,
		timeNow:       time.Now,
	}
}

// TimeNow allows to manipulate time for deterministic tests.
func (t *Tracer) TimeNow() time.Time {
	return t.timeNow()
}

// OnStateChange is called for each transition in the state machine.
func (t *Tracer) OnStateChange(state model.SessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stage = state
	e := newEvent(eventStateChange, state, t.TimeNow(), t.zeroTime, t.transactionID)
	t.events = append(t.events, e)
}

// OnHandshakePacket is called for each handshake packet sent or received.
func (t *Tracer) OnHandshakePacket(direction model.Direction, opcode byte, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	etype := EventType(eventPacketIn)
	if direction == model.DirectionOutgoing {
		etype = eventPacketOut
	}
	e := newEvent(etype, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.LoggedPacket = optional.Some(LoggedPacket{
		Direction: direction.String(),
		Opcode:    opcodeName(opcode),
		Size:      size,
	})
	t.events = append(t.events, e)
}

// OnHandshakeDone is called when we have obtained a network configuration.
func (t *Tracer) OnHandshakeDone(remoteAddr string, nc *model.NetworkConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEvent(eventHandshakeDone, t.stage, t.TimeNow(), t.zeroTime, t.transactionID)
	e.Tags = append(e.Tags, "remote="+remoteAddr, "ip="+nc.Network().String())
	for _, route := range nc.Routes {
		e.Tags = append(e.Tags, "route="+route.String())
	}
	t.events = append(t.events, e)
}

// Trace returns a copy of the array of events.
func (t *Tracer) Trace() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event{}, t.events...)
}

// WriteJSON writes the indented trace to w.
func (t *Tracer) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(t.Trace(), "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func opcodeName(opcode byte) string {
	switch opcode {
	case handshake.OpcodeRequest:
		return "request"
	case handshake.OpcodeAccept:
		return "accept"
	case handshake.OpcodeReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%#x)", opcode)
	}
}

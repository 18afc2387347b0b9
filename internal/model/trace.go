package model

import (
	"fmt"
	"time"
)

// Tracer allows to collect traces for a session lifecycle and its handshake. A Tracer
// can be optionally passed in the configuration, and it will be propagated to any
// layer that needs to register an event.
type Tracer interface {
	// TimeNow allows to inject time for deterministic tests.
	TimeNow() time.Time

	// OnStateChange is called for each transition in the state machine.
	OnStateChange(state SessionState)

	// OnHandshakePacket is called for each control packet sent or received.
	OnHandshakePacket(direction Direction, opcode byte, size int)

	// OnHandshakeDone is called when we have obtained a network configuration.
	OnHandshakeDone(remoteAddr string, nc *NetworkConfig)
}

// Direction is one of two directions on a packet.
type Direction int

const (
	// DirectionIncoming marks received packets.
	DirectionIncoming = Direction(iota)

	// DirectionOutgoing marks packets to be sent.
	DirectionOutgoing
)

var _ fmt.Stringer = Direction(0)

// String implements fmt.Stringer
func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "read"
	case DirectionOutgoing:
		return "write"
	default:
		return "undefined"
	}
}

// DummyTracer is a no-op implementation of [Tracer] that does nothing
// but can be safely passed as a default implementation.
type DummyTracer struct{}

var _ Tracer = DummyTracer{}

// TimeNow allows to manipulate time for deterministic tests.
func (DummyTracer) TimeNow() time.Time { return time.Now() }

// OnStateChange is called for each transition in the state machine.
func (DummyTracer) OnStateChange(SessionState) {}

// OnHandshakePacket is called for each control packet.
func (DummyTracer) OnHandshakePacket(Direction, byte, int) {}

// OnHandshakeDone is called when we have completed a handshake.
func (DummyTracer) OnHandshakeDone(string, *NetworkConfig) {}

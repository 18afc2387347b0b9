package model

// SessionState is the state of a client session.
type SessionState int

const (
	// S_IDLE means that there is no session.
	S_IDLE = SessionState(iota)

	// S_HANDSHAKING means we're waiting for the network configuration.
	S_HANDSHAKING

	// S_ESTABLISHING means we're waiting for the device to come up.
	S_ESTABLISHING

	// S_ACTIVE means packets are being forwarded.
	S_ACTIVE

	// S_STOPPING means we're tearing down the session.
	S_STOPPING
)

// String maps a [SessionState] to a string.
func (st SessionState) String() string {
	switch st {
	case S_IDLE:
		return "S_IDLE"
	case S_HANDSHAKING:
		return "S_HANDSHAKING"
	case S_ESTABLISHING:
		return "S_ESTABLISHING"
	case S_ACTIVE:
		return "S_ACTIVE"
	case S_STOPPING:
		return "S_STOPPING"
	default:
		return "S_INVALID"
	}
}

package model

import "errors"

var (
	// ErrHandshake means that we could not obtain a network configuration. It
	// is not retriable: retrying is up to the caller.
	ErrHandshake = errors.New("handshake failed")

	// ErrTransport means that the transport is gone. It is fatal to the session.
	ErrTransport = errors.New("transport error")

	// ErrDevice means that the virtual device is gone. It is fatal to the session.
	ErrDevice = errors.New("device error")

	// ErrSessionMiss means that no session owns a given tunnel address. The
	// packet is dropped and forwarding continues.
	ErrSessionMiss = errors.New("no session for address")
)

package model

// Device is an already-open virtual network interface. We only ever read and
// write whole packets; address and route configuration happen elsewhere.
//
// Close must make any pending Read or Write return an error.
type Device interface {
	Read(pkt []byte) (int, error)
	Write(pkt []byte) (int, error)
	Close() error
}

// Package tun opens TUN devices with water and configures them with
// /sbin/ip on Linux.
package tun

import (
	"github.com/Doridian/water"
	"github.com/ooni/toyvpn/internal/model"
)

// NamedDevice is a [model.Device] with an interface name.
type NamedDevice interface {
	model.Device
	Name() string
}

// Device is a TUN device.
type Device struct {
	iface *water.Interface
}

var _ NamedDevice = &Device{}

// Open creates a TUN device. An empty name lets the system pick one.
func Open(name string) (*Device, error) {
	iface, err := water.New(newConfig(name))
	if err != nil {
		return nil, err
	}
	return &Device{iface: iface}, nil
}

// Read reads a single packet.
func (d *Device) Read(pkt []byte) (int, error) {
	return d.iface.Read(pkt)
}

// Write writes a single packet.
func (d *Device) Write(pkt []byte) (int, error) {
	return d.iface.Write(pkt)
}

// Close closes the device.
func (d *Device) Close() error {
	return d.iface.Close()
}

// Name returns the name of the interface.
func (d *Device) Name() string {
	return d.iface.Name()
}

//go:build !linux

package tun

import "github.com/Doridian/water"

// the name is only honoured on Linux
func newConfig(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}

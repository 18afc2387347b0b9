//go:build linux

package tun

import "github.com/Doridian/water"

func newConfig(name string) water.Config {
	return water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	}
}

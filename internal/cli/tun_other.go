//go:build !linux

package cli

import "github.com/songgao/water"

// Device names are chosen by the OS outside Linux.
func tunConfig(string) water.Config {
	return water.Config{DeviceType: water.TUN}
}

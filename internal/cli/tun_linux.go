package cli

import "github.com/songgao/water"

func tunConfig(name string) water.Config {
	return water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	}
}

// control/platform.go
// Author: momentics <momentics@gmail.com>
//
// Host probes describing the machine the simulation runs on.

package control

import (
	"runtime"
)

// RegisterPlatformProbes adds host processor probes.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.gomaxprocs", func() any {
		return runtime.GOMAXPROCS(0)
	})
	dp.RegisterProbe("platform.os", func() any {
		return runtime.GOOS + "/" + runtime.GOARCH
	})
}

// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for pinning simulated processors to host CPUs.
// Platform-specific implementations are located in separate files
// (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.

package affinity

import (
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/momentics/hioload-disp/api"
)

// Pinner pins the calling OS thread. The caller must hold
// runtime.LockOSThread for the pin to stick to its goroutine.
type Pinner struct{}

var _ api.Affinity = Pinner{}

// Pin restricts the current OS thread to hostCPU.
func (Pinner) Pin(hostCPU int) error { return SetAffinity(hostCPU) }

// Unpin lets the current OS thread run on every host CPU again.
func (Pinner) Unpin() error { return clearAffinityPlatform(runtime.NumCPU()) }

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error wrapping api.ErrNotSupported.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return errors.Wrapf(api.ErrInvalidArgument, "affinity: host cpu %d outside [0,%d)", cpuID, runtime.NumCPU())
	}
	return setAffinityPlatform(cpuID)
}

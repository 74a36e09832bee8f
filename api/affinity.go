// Package api
// Author: momentics@gmail.com
//
// OS-thread affinity used by the simulation driver.

package api

// Affinity pins the calling OS thread to a host CPU.
type Affinity interface {
	// Pin locks the current goroutine to hostCPU.
	Pin(hostCPU int) error
	// Unpin removes affinity.
	Unpin() error
}

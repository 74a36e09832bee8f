// Package api
// Author: momentics
//
// Live debug support for dispatcher state.

package api

// Debug exposes runtime introspection.
type Debug interface {
	// DumpState emits a snapshot of dispatcher state for diagnostics.
	DumpState() map[string]any

	// RegisterProbe dynamically registers new debug probes.
	RegisterProbe(name string, fn func() any)
}

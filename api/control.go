// File: api/control.go
// Package api defines Control interface.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Control exposes tunables and runtime statistics of a running system.
type Control interface {
	Stats() map[string]float64
	OnReload(fn func())
	RegisterDebugProbe(name string, fn func() any)
}

// File: internal/concurrency/pausegate.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PauseGate brackets every dispatcher entry point so that a topology change
// can stop the world: Pause waits until no operation is in flight and keeps
// new ones spinning at the gate until Resume.

package concurrency

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// PauseGate is a spinning reader/writer gate. Readers are dispatcher
// operations; the single writer is the pause_cpus/start_cpus pair.
type PauseGate struct {
	_      cpu.CacheLinePad
	active atomic.Int64
	_      cpu.CacheLinePad
	paused atomic.Bool
	pauses atomic.Uint64
}

// Enter registers an in-flight operation. It spins while the world is paused.
// Enter must not be nested on one goroutine.
func (g *PauseGate) Enter() {
	for {
		for g.paused.Load() {
			runtime.Gosched()
		}
		g.active.Add(1)
		if !g.paused.Load() {
			return
		}
		g.active.Add(-1)
	}
}

// Exit ends an operation started with Enter.
func (g *PauseGate) Exit() {
	if g.active.Add(-1) < 0 {
		panic("concurrency: PauseGate exit without enter")
	}
}

// Pause stops new operations and waits for in-flight ones to drain.
// Callers serialize Pause/Resume pairs themselves.
func (g *PauseGate) Pause() {
	if !g.paused.CompareAndSwap(false, true) {
		panic("concurrency: PauseGate already paused")
	}
	for spins := 0; g.active.Load() != 0; spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
	g.pauses.Add(1)
}

// Resume lets operations through again.
func (g *PauseGate) Resume() {
	if !g.paused.CompareAndSwap(true, false) {
		panic("concurrency: PauseGate resumed while running")
	}
}

// Paused reports whether the world is currently stopped.
func (g *PauseGate) Paused() bool { return g.paused.Load() }

// Pauses returns how many stop-the-world pauses completed.
func (g *PauseGate) Pauses() uint64 { return g.pauses.Load() }

// File: internal/kthread/table.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-capacity thread arena. Run queue links are slot indices, so a queue
// never holds a pointer that could outlive the slot it names.

package kthread

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
)

// Table owns all thread slots. Allocation is rare and may block; lookups
// are lock-free.
type Table struct {
	mu    sync.Mutex
	slots []Thread
	free  []api.ThreadID
	live  int
}

// NewTable preallocates capacity thread slots.
func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = 1024
	}
	tb := &Table{
		slots: make([]Thread, capacity),
		free:  make([]api.ThreadID, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		tb.slots[i].reset(api.ThreadID(i))
		tb.free = append(tb.free, api.ThreadID(i))
	}
	return tb
}

// Spec describes a new thread.
type Spec struct {
	Class     int
	Home      api.LgrpID
	Part      api.PartID
	LastCPU   api.CPUID
	Bound     bool
	BoundCPU  api.CPUID
	Transient bool
	Intr      bool
}

// Alloc takes a free slot, initializes it from spec and returns it in
// state Transition.
func (tb *Table) Alloc(spec Spec) (*Thread, error) {
	return tb.alloc(spec, false)
}

// alloc sets every field before the slot's state leaves Free.
func (tb *Table) alloc(spec Spec, idle bool) (*Thread, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := len(tb.free)
	if n == 0 {
		return nil, errors.Wrapf(api.ErrResourceExhausted, "thread table full (%d slots)", len(tb.slots))
	}
	id := tb.free[n-1]
	tb.free = tb.free[:n-1]
	tb.live++

	t := &tb.slots[id]
	t.reset(id)
	t.class = spec.Class
	t.intr.Store(spec.Intr)
	t.idle.Store(idle)
	t.home.Store(int32(spec.Home))
	t.part.Store(int32(spec.Part))
	t.lastCPU.Store(int32(spec.LastCPU))
	if spec.Bound {
		t.boundCPU.Store(int32(spec.BoundCPU))
	}
	t.transient.Store(spec.Transient)
	if idle {
		t.SetState(OnProc)
	} else {
		t.SetState(Transition)
	}
	return t, nil
}

// AllocIdle allocates the idle thread of cpu.
func (tb *Table) AllocIdle(cpu api.CPUID, part api.PartID, home api.LgrpID) (*Thread, error) {
	return tb.alloc(Spec{Class: -1, Home: home, Part: part, LastCPU: cpu, Bound: true, BoundCPU: cpu}, true)
}

// Release returns a zombie or free-standing thread slot to the arena.
func (tb *Table) Release(t *Thread) error {
	switch t.State() {
	case Run, OnProc:
		return errors.Wrapf(api.ErrBusy, "release of %s", t)
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t.reset(t.id)
	tb.free = append(tb.free, t.id)
	tb.live--
	return nil
}

// Get returns the slot for id. Out-of-range ids are a programming error.
func (tb *Table) Get(id api.ThreadID) *Thread {
	return &tb.slots[id]
}

// Cap returns the arena capacity.
func (tb *Table) Cap() int { return len(tb.slots) }

// Live returns the number of allocated slots.
func (tb *Table) Live() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.live
}

// Range calls fn for every allocated thread until fn returns false.
func (tb *Table) Range(fn func(t *Thread) bool) {
	for i := range tb.slots {
		t := &tb.slots[i]
		if t.State() == Free {
			continue
		}
		if !fn(t) {
			return
		}
	}
}

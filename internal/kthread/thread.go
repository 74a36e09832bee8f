// File: internal/kthread/thread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thread records as seen by the dispatcher. Threads are created and
// destroyed by the rest of the kernel; the dispatcher only holds references
// while a thread is enqueued, running, or migrating.

package kthread

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-disp/api"
)

// State is the dispatcher-visible life cycle state of a thread.
type State int32

const (
	Free State = iota
	Sleep // blocked or stopped; enqueued again by a wakeup
	Run   // runnable and enqueued on exactly one dispatch queue
	OnProc
	Zombie
	Transition
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Sleep:
		return "sleep"
	case Run:
		return "run"
	case OnProc:
		return "onproc"
	case Zombie:
		return "zombie"
	case Transition:
		return "transition"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SchedFlag holds residency and placement hints.
type SchedFlag uint32

const (
	// Loaded means the thread is resident in memory.
	Loaded SchedFlag = 1 << iota
	// OnSwapQ means the thread sits on the swapped list.
	OnSwapQ
	// DontSwap protects a thread picked for dispatch from being swapped out.
	DontSwap
	// RunqMatch asks enqueue to keep run queue lengths perfectly balanced.
	RunqMatch
)

// Affinity is the strength of a thread's preference for a locality group.
type Affinity int8

const (
	AffNone Affinity = iota
	AffWeak
	AffStrong
)

// Owner is the dispatch queue a thread is enqueued on or was dispatched from.
type Owner interface {
	// OwnerCPU is the processor owning the queue, api.NoCPU for a
	// partition-wide queue.
	OwnerCPU() api.CPUID
}

type ownerBox struct{ o Owner }

// Thread is one slot of the thread arena.
type Thread struct {
	id api.ThreadID

	state      atomic.Int32
	schedFlags atomic.Uint32
	transient  atomic.Bool

	class int // index in the dispatcher class table, -1 for idle threads
	intr  atomic.Bool
	idle  atomic.Bool

	boundCPU     atomic.Int32
	weakBoundCPU atomic.Int32
	lastCPU      atomic.Int32
	home         atomic.Int32
	part         atomic.Int32

	dispTime atomic.Int64 // last time the thread was switched off a CPU
	waitrq   atomic.Int64 // time it was put on a run queue, 0 when running

	lgrpAff atomic.Pointer[map[api.LgrpID]Affinity]

	dispQ atomic.Value // ownerBox

	// Guarded by the lock of the queue the thread is enqueued on.
	link api.ThreadID
	qpri api.Pri
}

func (t *Thread) reset(id api.ThreadID) {
	t.id = id
	t.state.Store(int32(Free))
	t.schedFlags.Store(uint32(Loaded))
	t.transient.Store(false)
	t.class = 0
	t.intr.Store(false)
	t.idle.Store(false)
	t.boundCPU.Store(int32(api.NoCPU))
	t.weakBoundCPU.Store(int32(api.NoCPU))
	t.lastCPU.Store(int32(api.NoCPU))
	t.home.Store(int32(api.RootLgrp))
	t.part.Store(0)
	t.dispTime.Store(0)
	t.waitrq.Store(0)
	t.lgrpAff.Store(nil)
	t.dispQ.Store(ownerBox{})
	t.link = api.NoThread
	t.qpri = api.NoPri
}

func (t *Thread) ID() api.ThreadID { return t.id }

func (t *Thread) State() State { return State(t.state.Load()) }

// SetState stores a new state. Transitions into and out of Run are made by
// the dispatcher under the owning queue lock.
func (t *Thread) SetState(s State) { t.state.Store(int32(s)) }

// CompareAndSwapState moves the thread from old to new if it is still in old.
func (t *Thread) CompareAndSwapState(old, new State) bool {
	return t.state.CompareAndSwap(int32(old), int32(new))
}

func (t *Thread) Class() int { return t.class }

func (t *Thread) SetClass(c int) { t.class = c }

func (t *Thread) IsIdle() bool { return t.idle.Load() }

func (t *Thread) IsIntr() bool { return t.intr.Load() }

func (t *Thread) Has(f SchedFlag) bool { return SchedFlag(t.schedFlags.Load())&f != 0 }

func (t *Thread) SetFlag(f SchedFlag) {
	for {
		old := t.schedFlags.Load()
		if t.schedFlags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (t *Thread) ClearFlag(f SchedFlag) {
	for {
		old := t.schedFlags.Load()
		if t.schedFlags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Resident reports whether the thread is loaded and not queued for swap-in.
func (t *Thread) Resident() bool {
	return SchedFlag(t.schedFlags.Load())&(Loaded|OnSwapQ) == Loaded
}

func (t *Thread) Transient() bool { return t.transient.Load() }

func (t *Thread) SetTransient(v bool) { t.transient.Store(v) }

func (t *Thread) BoundCPU() api.CPUID { return api.CPUID(t.boundCPU.Load()) }

// Bind hard-binds the thread to cpu, api.NoCPU unbinds it.
func (t *Thread) Bind(cpu api.CPUID) { t.boundCPU.Store(int32(cpu)) }

func (t *Thread) WeakBoundCPU() api.CPUID { return api.CPUID(t.weakBoundCPU.Load()) }

// WeakBind temporarily binds the thread to cpu; api.NoCPU drops the binding.
func (t *Thread) WeakBind(cpu api.CPUID) { t.weakBoundCPU.Store(int32(cpu)) }

// Bound reports whether any binding applies.
func (t *Thread) Bound() bool {
	return t.boundCPU.Load() != int32(api.NoCPU) || t.weakBoundCPU.Load() != int32(api.NoCPU)
}

// BindTarget returns the processor a bound thread must run on, weak binding
// first.
func (t *Thread) BindTarget() api.CPUID {
	if w := t.WeakBoundCPU(); w != api.NoCPU {
		return w
	}
	return t.BoundCPU()
}

func (t *Thread) LastCPU() api.CPUID { return api.CPUID(t.lastCPU.Load()) }

func (t *Thread) SetLastCPU(c api.CPUID) { t.lastCPU.Store(int32(c)) }

func (t *Thread) Home() api.LgrpID { return api.LgrpID(t.home.Load()) }

func (t *Thread) SetHome(l api.LgrpID) { t.home.Store(int32(l)) }

func (t *Thread) Part() api.PartID { return api.PartID(t.part.Load()) }

func (t *Thread) SetPart(p api.PartID) { t.part.Store(int32(p)) }

func (t *Thread) DispTime() int64 { return t.dispTime.Load() }

func (t *Thread) SetDispTime(ns int64) { t.dispTime.Store(ns) }

func (t *Thread) WaitRQ() int64 { return t.waitrq.Load() }

func (t *Thread) SetWaitRQ(ns int64) { t.waitrq.Store(ns) }

// LgrpAffinity returns the thread's affinity for lgrp.
func (t *Thread) LgrpAffinity(l api.LgrpID) Affinity {
	m := t.lgrpAff.Load()
	if m == nil {
		return AffNone
	}
	return (*m)[l]
}

// HasLgrpAffinity reports whether any affinity was configured.
func (t *Thread) HasLgrpAffinity() bool { return t.lgrpAff.Load() != nil }

// SetLgrpAffinity replaces the affinity map. The map must not be mutated
// afterwards.
func (t *Thread) SetLgrpAffinity(m map[api.LgrpID]Affinity) {
	if len(m) == 0 {
		t.lgrpAff.Store(nil)
		return
	}
	t.lgrpAff.Store(&m)
}

// DispQ returns the queue the thread is enqueued on (state Run) or was
// dispatched from (state OnProc).
func (t *Thread) DispQ() Owner {
	b, _ := t.dispQ.Load().(ownerBox)
	return b.o
}

func (t *Thread) SetDispQ(o Owner) { t.dispQ.Store(ownerBox{o: o}) }

// Link returns the next thread on the same queue level.
func (t *Thread) Link() api.ThreadID { return t.link }

func (t *Thread) SetLink(n api.ThreadID) { t.link = n }

// QueuedPri is the level the thread was enqueued at.
func (t *Thread) QueuedPri() api.Pri { return t.qpri }

func (t *Thread) SetQueuedPri(p api.Pri) { t.qpri = p }

func (t *Thread) String() string {
	return fmt.Sprintf("%s(%s)", t.id, t.State())
}

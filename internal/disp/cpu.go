// File: internal/disp/cpu.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Dispatcher flags, read lock-free by peers deciding whether to steal.
const (
	dispHalted    uint32 = 1 << iota // parked in the idle hook
	dispCtxSwitch                    // don't steal: the only unbound thread is mid-switch
)

// Administrative flags.
const (
	cpuActive uint32 = 1 << iota
	cpuOffline
	cpuQuiesced
)

// CPU is one processor: its dispatch queue plus the state peers read
// without locks.
type CPU struct {
	id   api.CPUID
	disp *dispq.Queue
	idle *kthread.Thread
	part atomic.Pointer[Partition]

	_           cpu.CacheLinePad
	runrun      atomic.Bool
	kprunrun    atomic.Bool
	chosenLevel atomic.Int32
	dispatchPri atomic.Int32
	_           cpu.CacheLinePad

	thread     atomic.Pointer[kthread.Thread] // running now
	dispThread atomic.Pointer[kthread.Thread] // most recently chosen
	stealFrom  atomic.Pointer[CPU]
	dispFlags  atomic.Uint32
	flags      atomic.Uint32
	lastSwitch atomic.Int64
	switches   atomic.Uint64

	idleHook atomic.Pointer[func()]
}

func (cp *CPU) ID() api.CPUID { return cp.id }

// Queue returns the processor's dispatch queue.
func (cp *CPU) Queue() *dispq.Queue { return cp.disp }

// IdleThread returns the thread run when there is nothing else.
func (cp *CPU) IdleThread() *kthread.Thread { return cp.idle }

// Partition returns the partition the processor currently belongs to.
func (cp *CPU) Partition() *Partition { return cp.part.Load() }

// Thread returns the thread running on cp.
func (cp *CPU) Thread() *kthread.Thread { return cp.thread.Load() }

// DispThread returns the thread the dispatcher last chose for cp.
func (cp *CPU) DispThread() *kthread.Thread { return cp.dispThread.Load() }

// DispatchPri is the priority of the thread chosen for cp, -1 when idle.
func (cp *CPU) DispatchPri() api.Pri { return api.Pri(cp.dispatchPri.Load()) }

// ChosenLevel is the highest priority some thread was placed on the kp
// queue for, expecting cp to pick it up.
func (cp *CPU) ChosenLevel() api.Pri { return api.Pri(cp.chosenLevel.Load()) }

// Runrun reports a pending user-level preemption request.
func (cp *CPU) Runrun() bool { return cp.runrun.Load() }

// Kprunrun reports a pending kernel-level preemption request.
func (cp *CPU) Kprunrun() bool { return cp.kprunrun.Load() }

// StealFrom returns the peer anywork suggested stealing from.
func (cp *CPU) StealFrom() *CPU { return cp.stealFrom.Load() }

// LastSwitch is the clock reading of the last context switch.
func (cp *CPU) LastSwitch() int64 { return cp.lastSwitch.Load() }

// Switches counts context switches that changed the running thread.
func (cp *CPU) Switches() uint64 { return cp.switches.Load() }

// IsIdle reports whether cp has chosen its idle thread.
func (cp *CPU) IsIdle() bool { return cp.dispThread.Load() == cp.idle }

func (cp *CPU) Halted() bool { return cp.dispFlags.Load()&dispHalted != 0 }

func (cp *CPU) ctxSwitching() bool { return cp.dispFlags.Load()&dispCtxSwitch != 0 }

// transient reports whether the chosen thread is transient, which makes a
// lone queued thread likely to run soon.
func (cp *CPU) transient() bool {
	t := cp.dispThread.Load()
	return t != nil && t.Transient()
}

func (cp *CPU) Active() bool { return cp.flags.Load()&cpuActive != 0 }

func (cp *CPU) Offline() bool { return cp.flags.Load()&cpuOffline != 0 }

func (cp *CPU) Quiesced() bool { return cp.flags.Load()&cpuQuiesced != 0 }

// SetIdleHook installs the function the idle loop calls when there is no
// work. It may block until the processor is poked.
func (cp *CPU) SetIdleHook(fn func()) {
	if fn == nil {
		cp.idleHook.Store(nil)
		return
	}
	cp.idleHook.Store(&fn)
}

func (cp *CPU) halt() {
	cp.dispFlags.Or(dispHalted)
	if h := cp.idleHook.Load(); h != nil {
		(*h)()
	}
	cp.dispFlags.And(^dispHalted)
}

// setupIdle makes the idle thread the chosen one.
func (cp *CPU) setupIdle() {
	cp.idle.SetState(kthread.OnProc)
	cp.dispThread.Store(cp.idle)
	cp.dispatchPri.Store(int32(api.NoPri))
	cp.runrun.Store(false)
	cp.kprunrun.Store(false)
	cp.chosenLevel.Store(int32(api.NoPri))
}

func (cp *CPU) String() string { return cp.id.String() }

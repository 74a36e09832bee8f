// File: internal/disp/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The dispatch decision: kp queue, local queue, peers, idle. A choice is
// committed first and ratified after, and a choice that turns out stale is
// put back and the decision retried.

package disp

import (
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Disp chooses the next thread for cp and returns it in state OnProc. It
// returns cp's idle thread when there is nothing to run.
func (s *System) Disp(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	return s.disp(cp)
}

func (s *System) disp(cp *CPU) *kthread.Thread {
	for {
		kpq := cp.part.Load().kpq
		for !cp.Offline() {
			kpri := kpq.MaxRunPri()
			if kpri < 0 || kpri < cp.disp.MaxRunPri() {
				break
			}
			if t := s.getkpq(cp, kpq); t != nil {
				if s.ratify(cp, t, kpq) {
					s.metrics.Dispatched(control.FromKPQ)
					return t
				}
			}
		}

		q := cp.disp
		q.Lock()
		if q.NRunnable() == 0 {
			q.Unlock()
			if !cp.Offline() {
				t, sig := s.getwork(cp)
				switch sig {
				case api.StealFound:
					s.metrics.Dispatched(control.FromSteal)
					return t
				case api.StealLocalAvail:
					continue
				case api.StealDeferred:
					s.metrics.Deferred()
				}
			}
			cp.setupIdle()
			s.metrics.Dispatched(control.FromIdle)
			return cp.idle
		}

		pri := q.MaxRunPri()
		t := q.TakeHead()
		t.SetFlag(kthread.DontSwap)
		cp.dispThread.Store(t)
		cp.dispatchPri.Store(int32(pri))
		q.Unlock()
		s.onproc(cp, t)

		if s.ratify(cp, t, kpq) {
			s.metrics.Dispatched(control.FromLocal)
			return t
		}
	}
}

func (s *System) onproc(cp *CPU, t *kthread.Thread) {
	t.SetState(kthread.OnProc)
	t.SetDispQ(cp.disp)
	t.SetLastCPU(cp.id)
}

// ratify commits the choice of t and then checks that nothing better
// arrived meanwhile. A stale choice goes back to the front of its level
// and ratify reports false.
func (s *System) ratify(cp *CPU, t *kthread.Thread, kpq *dispq.Queue) bool {
	cp.runrun.Store(false)
	cp.kprunrun.Store(false)
	cp.chosenLevel.Store(int32(api.NoPri))

	tpri := s.pri(t)
	maxpri := cp.disp.MaxRunPri()
	if kp := kpq.MaxRunPri(); kp > maxpri {
		maxpri = kp
	}
	if tpri >= maxpri {
		return true
	}
	cur := cp.thread.Load()
	cp.dispThread.Store(cur)
	cp.dispatchPri.Store(int32(s.pri(cur)))
	t.SetState(kthread.Transition)
	s.setfrontdq(t, cp)
	s.metrics.Retried()
	klog.V(4).Infof("disp: %s ratify of %s at %d lost to %d", cp, t.ID(), tpri, maxpri)
	return false
}

// Swtch gives up cp's processor: the dispatcher picks the next thread and
// the machine switches to it. It returns the thread now running.
func (s *System) Swtch(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	return s.swtch(cp)
}

func (s *System) swtch(cp *CPU) *kthread.Thread {
	t := cp.thread.Load()
	next := s.disp(cp)
	s.switchTo(cp, t, next)
	return next
}

// switchTo does the bookkeeping shared by every switch and hands the pair
// to the machine. A switch to the thread already running is a no-op.
func (s *System) switchTo(cp *CPU, from, next *kthread.Thread) {
	cp.dispFlags.And(^dispCtxSwitch)
	cp.stealFrom.Store(nil)
	if next == from {
		if from.WaitRQ() != 0 {
			from.SetWaitRQ(0)
		}
		return
	}
	now := s.clock.Now()
	if from.State() == kthread.Run && from.WaitRQ() == 0 {
		from.SetWaitRQ(now)
	}
	from.ClearFlag(kthread.DontSwap)
	from.SetDispTime(now)
	cp.lastSwitch.Store(now)
	next.SetWaitRQ(0)
	cp.thread.Store(next)
	cp.switches.Add(1)
	s.metrics.Switched()
	s.switcher.Switch(cp.id, from.ID(), next.ID())
}

// SwtchTo switches cp to next, a thread already taken off a queue and
// committed to cp by a steal.
func (s *System) SwtchTo(cp *CPU, next *kthread.Thread) {
	s.world.Enter()
	defer s.world.Exit()
	s.swtchTo(cp, next)
}

func (s *System) swtchTo(cp *CPU, next *kthread.Thread) {
	if next.State() != kthread.OnProc || cp.dispThread.Load() != next {
		s.fatalf("%s: switch to %s which was not dispatched here", cp, next.ID())
	}
	s.switchTo(cp, cp.thread.Load(), next)
}

// SwtchFromZombie switches away from an exiting thread. The zombie is
// never enqueued again.
func (s *System) SwtchFromZombie(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	t := cp.thread.Load()
	if t.IsIdle() {
		s.fatalf("%s: idle thread cannot exit", cp)
	}
	t.SetState(kthread.Zombie)
	next := s.disp(cp)
	s.switchTo(cp, t, next)
	return next
}

// Preempt re-enters the dispatcher on behalf of the thread running on cp,
// which noticed a preemption request. The class decides between front
// and back of its level.
func (s *System) Preempt(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	t := cp.thread.Load()
	if t.IsIdle() {
		cp.kprunrun.Store(false)
		return t
	}
	if t.State() != kthread.OnProc || t.DispQ() != kthread.Owner(cp.disp) {
		// Chosen by another processor already; nothing to give up here.
		cp.kprunrun.Store(false)
		return t
	}
	t.SetState(kthread.Transition)
	if s.class(t).Preempt(t.ID()) {
		s.setfrontdq(t, cp)
	} else {
		s.setbackdq(t, cp)
	}
	return s.swtch(cp)
}

// Yield puts the running thread at the back of its level and switches.
func (s *System) Yield(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	t := cp.thread.Load()
	if !t.IsIdle() {
		t.SetState(kthread.Transition)
		s.setbackdq(t, cp)
	}
	return s.swtch(cp)
}

// Sleep blocks the thread running on cp and switches away from it.
func (s *System) Sleep(cp *CPU) *kthread.Thread {
	s.world.Enter()
	defer s.world.Exit()
	t := cp.thread.Load()
	if t.IsIdle() {
		s.fatalf("%s: idle thread cannot sleep", cp)
	}
	t.SetState(kthread.Sleep)
	return s.swtch(cp)
}

// Surrender makes the processor running t give it up at its next check.
// cur is the calling processor, nil outside any processor.
func (s *System) Surrender(t *kthread.Thread, cur *CPU) {
	s.world.Enter()
	defer s.world.Exit()
	if t.State() != kthread.OnProc {
		return
	}
	owner := t.DispQ()
	if owner == nil {
		return
	}
	cp := s.CPU(owner.OwnerCPU())
	if cp == nil {
		return
	}
	maxpri := cp.disp.MaxRunPri()
	if kp := cp.part.Load().kpq.MaxRunPri(); kp > maxpri {
		maxpri = kp
	}
	cp.runrun.Store(true)
	if maxpri >= s.KpreemptPri() {
		cp.kprunrun.Store(true)
	}
	if cp != cur {
		s.poke(cp)
	}
}

// Remove takes t off the queue it is waiting on. t must be queued.
func (s *System) Remove(t *kthread.Thread) {
	s.world.Enter()
	defer s.world.Exit()
	s.remove(t)
}

func (s *System) remove(t *kthread.Thread) {
	if t.State() != kthread.Run || !t.Resident() {
		s.fatalf("remove of %s which is not on a dispatch queue (%s)", t.ID(), t.State())
	}
	s.dispdeq(t)
}

// TryRemove takes t off its queue if it is runnable. It returns false when
// t is not runnable and true when t was dequeued or is swapped out. A
// runnable resident thread missing from its queue is fatal.
func (s *System) TryRemove(t *kthread.Thread) bool {
	s.world.Enter()
	defer s.world.Exit()
	return s.dispdeq(t)
}

func (s *System) dispdeq(t *kthread.Thread) bool {
	if t.State() != kthread.Run {
		return false
	}
	if !t.Resident() {
		t.SetState(kthread.Transition)
		return true
	}
	q := s.lockQueueOf(t)
	if q == nil {
		s.fatalf("runnable thread %s has no dispatch queue", t.ID())
	}
	if t.State() != kthread.Run {
		// dispatched or stolen while we were locking
		q.Unlock()
		return false
	}
	ok := q.Remove(t)
	q.Unlock()
	if !ok {
		s.fatalf("thread %s not found on its dispatch queue %s", t.ID(), q.OwnerCPU())
	}
	return true
}

// lockQueueOf locks the queue t is on and returns it. The back-pointer
// can change until the lock is held, so it is re-read under the lock.
func (s *System) lockQueueOf(t *kthread.Thread) *dispq.Queue {
	for {
		o := t.DispQ()
		q, _ := o.(*dispq.Queue)
		if q == nil {
			return nil
		}
		q.Lock()
		if t.DispQ() == kthread.Owner(q) {
			return q
		}
		q.Unlock()
	}
}

// AdjustUnboundPri must be called before t loses its binding, so a thread
// still queued on a processor becomes visible to stealers.
func (s *System) AdjustUnboundPri(t *kthread.Thread) {
	s.world.Enter()
	defer s.world.Exit()
	s.adjustUnboundPri(t)
}

func (s *System) adjustUnboundPri(t *kthread.Thread) {
	if !t.Bound() || t.State() != kthread.Run || !t.Resident() {
		return
	}
	q := s.lockQueueOf(t)
	if q == nil {
		return
	}
	if pri := t.QueuedPri(); pri != api.NoPri {
		q.RaiseUnboundPri(pri)
	}
	q.Unlock()
}

// Unbind drops both bindings of t.
func (s *System) Unbind(t *kthread.Thread) {
	s.world.Enter()
	defer s.world.Exit()
	s.adjustUnboundPri(t)
	t.Bind(api.NoCPU)
	t.WeakBind(api.NoCPU)
}

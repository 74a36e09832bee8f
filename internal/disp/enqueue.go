// File: internal/disp/enqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Making a thread runnable: choose the queue, link it in, and tell the
// chosen processor it may have to preempt.

package disp

import (
	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// SetBackDQ makes t runnable at the tail of its priority level. cur is the
// processor the caller runs on, nil for callers outside any processor.
func (s *System) SetBackDQ(t *kthread.Thread, cur *CPU) {
	s.world.Enter()
	defer s.world.Exit()
	s.setbackdq(t, cur)
}

// SetFrontDQ makes t runnable at the head of its priority level.
func (s *System) SetFrontDQ(t *kthread.Thread, cur *CPU) {
	s.world.Enter()
	defer s.world.Exit()
	s.setfrontdq(t, cur)
}

func (s *System) checkEnqueue(t *kthread.Thread) {
	switch t.State() {
	case kthread.Run:
		s.fatalf("enqueue of already runnable thread %s", t.ID())
	case kthread.Free, kthread.Zombie:
		s.fatalf("enqueue of dead thread %s (%s)", t.ID(), t.State())
	}
	if t.IsIdle() {
		s.fatalf("enqueue of idle thread %s", t.ID())
	}
}

// stampWait records when t started waiting, unless t is enqueueing itself.
func (s *System) stampWait(t *kthread.Thread, self bool) {
	if !self && t.WaitRQ() == 0 {
		t.SetWaitRQ(s.clock.Now())
	}
}

func (s *System) setbackdq(t *kthread.Thread, cur *CPU) {
	s.checkEnqueue(t)
	tpri := s.pri(t)
	if !t.Resident() {
		s.swappedSetrun(t, tpri)
		return
	}
	self := cur != nil && cur.Thread() == t
	s.stampWait(t, self)

	bound := t.Bound()
	var cp *CPU
	switch {
	case s.ncpus() == 1:
		cp = s.soleCPU(t)
	case !bound:
		if tpri >= s.KpqPri() {
			s.setkpdq(t, tpri, false, cur)
			return
		}
		cp = s.placeBack(t, tpri, self, cur)
	default:
		cp = s.boundTarget(t)
	}
	s.insert(cp, t, tpri, false, bound, self, cur)
	s.metrics.Enqueued(control.EnqBack)
}

func (s *System) setfrontdq(t *kthread.Thread, cur *CPU) {
	s.checkEnqueue(t)
	tpri := s.pri(t)
	if !t.Resident() {
		s.swappedSetrun(t, tpri)
		return
	}
	self := cur != nil && cur.Thread() == t
	s.stampWait(t, self)

	bound := t.Bound()
	var cp *CPU
	switch {
	case s.ncpus() == 1:
		cp = s.soleCPU(t)
	case !bound:
		if tpri >= s.KpqPri() {
			s.setkpdq(t, tpri, true, cur)
			return
		}
		cp = s.placeFront(t, tpri, self, cur)
	default:
		cp = s.boundTarget(t)
	}
	s.insert(cp, t, tpri, true, bound, self, cur)
	s.metrics.Enqueued(control.EnqFront)
}

func (s *System) soleCPU(t *kthread.Thread) *CPU {
	if cp := s.CPU(t.LastCPU()); cp != nil {
		return cp
	}
	return s.CPUs()[0]
}

func (s *System) boundTarget(t *kthread.Thread) *CPU {
	cp := s.CPU(t.BindTarget())
	if cp == nil {
		s.fatalf("thread %s bound to missing processor %s", t.ID(), t.BindTarget())
	}
	return cp
}

// placeBack picks the queue for an unbound thread going to the back of its
// level: its last processor while that is still a good home, otherwise the
// lowest priority processor near its home, then balanced against the next
// processor over.
func (s *System) placeBack(t *kthread.Thread, tpri api.Pri, self bool, cur *CPU) *CPU {
	part := s.partitionOf(t)
	topo := part.Topology()
	if part.first() == nil {
		s.fatalf("partition %d has no active processors for %s", part.id, t.ID())
	}
	lpl := topo.Lpl(t.Home())
	last := s.CPU(t.LastCPU())

	var cp *CPU
	switch {
	case last == nil || !part.has(last):
		cp = s.lowPriCPU(part.first(), lpl, tpri, nil)
		klog.V(4).Infof("disp: %s moved to partition %d, placed on %s", t.ID(), part.id, cp)
		return cp
	case t.Transient() || !s.cacheWarm(t, self, s.clock.Now()) || last == s.inMotion.Load():
		cp = s.lowPriCPU(last, lpl, tpri, nil)
	case !lpl.Contains(last.id):
		var curcpu *CPU
		if self {
			curcpu = cur
		}
		cp = s.lowPriCPU(last, lpl, tpri, curcpu)
	default:
		cp = last
	}

	tun := s.tun.Get()
	qlen := s.runqLen(cp, tpri)
	if tpri >= tun.RunqMatchPri && !t.Has(kthread.RunqMatch) {
		qlen -= tun.RunqMaxDiff
	}
	if qlen > 0 {
		var ncp *CPU
		if lpl.ID == api.RootLgrp {
			ncp = part.next(cp)
		} else if leaf := topo.LeafOf(cp.id); leaf != nil && leaf.NCPU() > 1 {
			ncp = s.CPU(leaf.Next(cp.id))
		} else {
			ncp = part.next(cp)
		}
		if ncp != nil && ncp != cp && s.runqLen(ncp, tpri) < qlen {
			klog.V(4).Infof("disp: %s balanced from %s to %s", t.ID(), cp, ncp)
			cp = ncp
		}
	}
	return cp
}

// placeFront keeps the thread where it last ran unless that processor is
// a poor choice now.
func (s *System) placeFront(t *kthread.Thread, tpri api.Pri, self bool, cur *CPU) *CPU {
	part := s.partitionOf(t)
	if part.first() == nil {
		s.fatalf("partition %d has no active processors for %s", part.id, t.ID())
	}
	lpl := part.Topology().Lpl(t.Home())
	last := s.CPU(t.LastCPU())
	switch {
	case last == nil || !part.has(last):
		return s.lowPriCPU(part.first(), lpl, tpri, nil)
	case t.Transient() || !lpl.Contains(last.id) || last == s.inMotion.Load():
		var curcpu *CPU
		if self {
			curcpu = cur
		}
		return s.lowPriCPU(last, lpl, tpri, curcpu)
	case tpri < last.disp.MaxRunPri() && !s.cacheWarm(t, self, s.clock.Now()):
		return s.lowPriCPU(last, lpl, tpri, nil)
	}
	return last
}

func (s *System) runqLen(cp *CPU, pri api.Pri) int {
	cp.disp.Lock()
	n := cp.disp.LevelLen(pri)
	cp.disp.Unlock()
	return n
}

func (s *System) insert(cp *CPU, t *kthread.Thread, tpri api.Pri, front, bound, self bool, cur *CPU) {
	q := cp.disp
	q.Lock()
	newMax, prevUnbound := q.Insert(t, tpri, front, bound)
	// The caller is queueing itself as the only unbound work on its own
	// processor: keep peers away until it has switched out.
	if !bound && self && prevUnbound == api.NoPri && cp == cur {
		cp.dispFlags.Or(dispCtxSwitch)
	}
	q.Unlock()
	if newMax {
		s.resched(cp, tpri, cur)
	}
	klog.V(4).Infof("disp: %s enqueued on %s at %d front=%t", t.ID(), cp, tpri, front)
	s.enqueued(cp, bound)
}

// setkpdq puts t on its partition's kp queue and elects the processor
// expected to pick it up.
func (s *System) setkpdq(t *kthread.Thread, tpri api.Pri, front bool, cur *CPU) {
	part := s.partitionOf(t)
	kpq := part.kpq
	kpq.Lock()
	kpq.Insert(t, tpri, front, false)
	kpq.Unlock()
	s.metrics.Enqueued(control.EnqKP)

	hint := s.CPU(t.LastCPU())
	if hint == nil || !part.has(hint) {
		hint = part.first()
	}
	if hint == nil {
		s.fatalf("partition %d has no active processors for %s", part.id, t.ID())
	}
	cp := s.lowPriCPU(hint, part.Topology().Lpl(t.Home()), tpri, nil)
	cp.disp.Lock()
	if tpri > cp.ChosenLevel() {
		cp.chosenLevel.Store(int32(tpri))
	}
	s.resched(cp, tpri, cur)
	cp.disp.Unlock()
	klog.V(4).Infof("disp: %s on kp queue of partition %d, chose %s", t.ID(), part.id, cp)
	s.enqueued(cp, false)
}

// resched asks cp to preempt if tpri beats what it is running. Idle
// processors are woken by the enqueue hook instead.
func (s *System) resched(cp *CPU, tpri api.Pri, cur *CPU) {
	cpupri := cp.DispatchPri()
	poke := false
	if cpupri != api.NoPri && cpupri < tpri {
		kp := s.KpreemptPri()
		if tpri >= s.tun.Get().UPreemptPri && !cp.runrun.Load() {
			cp.runrun.Store(true)
			if tpri < kp && cp != cur {
				poke = true
			}
		}
		if tpri >= kp && !cp.kprunrun.Load() {
			cp.kprunrun.Store(true)
			if cp != cur {
				poke = true
			}
		}
	}
	if poke {
		s.poke(cp)
	}
}

func (s *System) poke(cp *CPU) {
	s.metrics.Poked()
	if s.poker != nil {
		s.poker.Poke(cp.id)
	}
}

// swappedSetrun parks a runnable thread that is not in memory on the
// swapped list.
func (s *System) swappedSetrun(t *kthread.Thread, tpri api.Pri) {
	switch t.State() {
	case kthread.Run:
		return
	case kthread.OnProc:
		s.fatalf("swapped thread %s is on a processor", t.ID())
	}
	s.swapEnq(t)
	s.metrics.Enqueued(control.EnqSwapped)
	if s.swapper != nil {
		s.swapper.WakeSwapper(tpri > s.tun.Get().MaxSysPri)
	}
}

func (s *System) swapEnq(t *kthread.Thread) {
	s.swapLock.Lock()
	t.SetState(kthread.Run)
	s.swapped.Add(t.ID())
	s.swapLock.Unlock()
}

// NextSwapped pops the oldest runnable thread still waiting to be brought
// back in, nil if there is none.
func (s *System) NextSwapped() *kthread.Thread {
	s.swapLock.Lock()
	defer s.swapLock.Unlock()
	for s.swapped.Length() > 0 {
		t := s.threads.Get(s.swapped.Remove().(api.ThreadID))
		if t.State() == kthread.Run && !t.Has(kthread.Loaded) {
			return t
		}
	}
	return nil
}

// SwapIn makes a swapped runnable thread resident again and queues it at
// the front of its level.
func (s *System) SwapIn(t *kthread.Thread) {
	s.world.Enter()
	defer s.world.Exit()
	if t.State() != kthread.Run || t.Has(kthread.Loaded) {
		s.fatalf("swap in of %s which is not swapped out (%s)", t.ID(), t.State())
	}
	t.SetFlag(kthread.Loaded)
	t.ClearFlag(kthread.OnSwapQ)
	t.SetState(kthread.Transition)
	s.setfrontdq(t, nil)
}

// SwapOut takes a queued thread off its dispatch queue and parks it on the
// swapped list. It fails with ErrBusy when t is no longer queued or has
// been picked for dispatch.
func (s *System) SwapOut(t *kthread.Thread) error {
	s.world.Enter()
	defer s.world.Exit()
	if t.State() != kthread.Run || !t.Resident() {
		return errors.Wrapf(api.ErrBusy, "swap out of %s (%s)", t.ID(), t.State())
	}
	q := s.lockQueueOf(t)
	if q == nil {
		return errors.Wrapf(api.ErrBusy, "swap out of %s: not queued", t.ID())
	}
	// t leaves Run only under q's lock.
	if t.Has(kthread.DontSwap) || !t.CompareAndSwapState(kthread.Run, kthread.Transition) {
		q.Unlock()
		return errors.Wrapf(api.ErrBusy, "swap out of %s (%s)", t.ID(), t.State())
	}
	if !q.Remove(t) {
		q.Unlock()
		s.fatalf("thread %s not found on its dispatch queue %s", t.ID(), q.OwnerCPU())
	}
	t.ClearFlag(kthread.Loaded)
	q.Unlock()
	s.swapEnq(t)
	return nil
}

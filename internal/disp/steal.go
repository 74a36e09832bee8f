// File: internal/disp/steal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Finding work on other queues for a processor whose own queue is empty.
// Peers are scanned without their locks; whatever the scan suggests is
// re-validated under the victim's lock before a thread is taken.

package disp

import (
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

// GetWork looks for a thread for cp on the kp queue and on its peers.
func (s *System) GetWork(cp *CPU) (*kthread.Thread, api.StealSignal) {
	s.world.Enter()
	defer s.world.Exit()
	return s.getwork(cp)
}

// getwork returns StealLocalAvail when cp should simply decide again:
// either its own queue filled up, or a ratification put the stolen thread
// back.
func (s *System) getwork(cp *CPU) (*kthread.Thread, api.StealSignal) {
	part := cp.part.Load()
	kpq := part.kpq
	for kpq.MaxRunPri() >= 0 {
		if t := s.getkpq(cp, kpq); t != nil {
			if s.ratify(cp, t, kpq) {
				return t, api.StealFound
			}
			return nil, api.StealLocalAvail
		}
	}

	topo := part.Topology()
	leaf := topo.LeafOf(cp.id)
	if leaf == nil {
		return nil, api.StealNone
	}
	var tcp *CPU
	maxpri := api.NoPri
	ret := api.StealNone
	now := s.clock.Now()

	lpl := leaf
	idx, startIdx := 0, 0
scan:
	for lpl != nil {
	leaves:
		for {
			switch s.scanLeaf(cp, lpl.Rset[idx], now, &tcp, &maxpri, &ret) {
			case scanLocal:
				return nil, api.StealLocalAvail
			case scanHint:
				break scan
			case scanNextLevel:
				break leaves
			}
			if idx = (idx + 1) % len(lpl.Rset); idx == startIdx {
				break
			}
		}
		// Widen only while nothing was found; nearer leaves get scanned
		// again on the way out.
		if tcp != nil {
			break
		}
		if lpl = lpl.Parent; lpl != nil {
			idx = lpl.RsetIndex(leaf.ID)
			startIdx = idx
		}
	}

	if tcp == nil {
		return nil, ret
	}
	t, sig := s.getbest(cp, tcp)
	if sig != api.StealFound {
		return nil, sig
	}
	if !s.ratify(cp, t, kpq) {
		return nil, api.StealLocalAvail
	}
	return t, api.StealFound
}

type scanResult int

const (
	scanContinue scanResult = iota
	scanLocal
	scanHint
	scanNextLevel
)

// scanLeaf walks one leaf's processors starting at a pseudo-random one,
// updating the best victim seen so far.
func (s *System) scanLeaf(cp *CPU, l *lgrp.Lpl, now int64, tcp **CPU, maxpri *api.Pri, ret *api.StealSignal) scanResult {
	n := len(l.CPUs)
	if n == 0 {
		return scanContinue
	}
	start := s.randn(n)
	for i := 0; i < n; i++ {
		ocp := s.CPU(l.CPUs[(start+i)%n])
		if cp.disp.NRunnable() > 0 {
			return scanLocal
		}
		if hint := cp.stealFrom.Swap(nil); hint != nil {
			*tcp = hint
			return scanHint
		}
		if ocp == nil || ocp == cp {
			continue
		}
		oq := ocp.disp
		if ocp.IsIdle() && oq.NRunnable() == 0 {
			if ocp.Halted() {
				continue
			}
			// An idle peer is already patrolling this part of the ring.
			return scanNextLevel
		}
		if oq.NRunnable() == 1 && (ocp.IsIdle() || ocp.ctxSwitching() || ocp.transient()) {
			continue
		}
		if pri := oq.MaxUnboundPri(); pri > *maxpri {
			if st := oq.Steal(); st == 0 || st-now <= 0 {
				*maxpri = pri
				*tcp = ocp
			} else {
				*ret = api.StealDeferred
			}
		}
	}
	return scanContinue
}

// getbest takes the best stealable thread off tcp's queue for cp.
func (s *System) getbest(cp, tcp *CPU) (*kthread.Thread, api.StealSignal) {
	q := tcp.disp
	q.Lock()
	pri := q.MaxUnboundPri()
	if pri == api.NoPri || (q.NRunnable() == 1 && (tcp.IsIdle() || tcp.ctxSwitching() || tcp.transient())) {
		q.Unlock()
		return nil, api.StealNone
	}
	if q.LevelLen(pri) == 0 {
		q.FixUnboundPri(pri)
		if pri = q.MaxUnboundPri(); pri == api.NoPri {
			q.Unlock()
			return nil, api.StealNone
		}
	}

	topo := cp.part.Load().Topology()
	stealer, victim := api.RootLgrp, api.RootLgrp
	if l := topo.LeafOf(cp.id); l != nil {
		stealer = l.ID
	}
	if l := topo.LeafOf(tcp.id); l != nil {
		victim = l.ID
	}
	nosteal := int64(s.tun.Get().NoSteal)
	now := s.clock.Now()

	var cand *kthread.Thread
	allBound, localAvail := true, false
	q.Each(pri, func(t *kthread.Thread) bool {
		if cp.disp.NRunnable() > 0 {
			localAvail = true
			return false
		}
		if t.Bound() {
			return true
		}
		allBound = false
		if t.LgrpAffinity(victim) == kthread.AffStrong && t.LgrpAffinity(stealer) == kthread.AffNone {
			return true
		}
		if (t.Transient() && s.isSys(t)) ||
			!topo.SharesCache(t.LastCPU(), tcp.id) ||
			topo.SharesCache(cp.id, tcp.id) {
			cand = t
			return false
		}
		if nosteal == 0 {
			cand = t
			return false
		}
		rq := now - t.WaitRQ()
		if rq > nosteal || rq < 0 {
			cand = t
			return false
		}
		// Too fresh to move; note when it will be worth stealing.
		q.NoteStealable(now + nosteal - rq)
		return true
	})
	if localAvail {
		q.Unlock()
		return nil, api.StealLocalAvail
	}
	if allBound {
		q.FixUnboundPri(pri)
	}
	if cand == nil {
		q.Unlock()
		if allBound {
			return nil, api.StealNone
		}
		return nil, api.StealDeferred
	}
	if !q.Remove(cand) {
		s.fatalf("steal of %s from %s: not on queue", cand.ID(), tcp)
	}
	q.ResetSteal()
	q.Unlock()

	s.claim(cp, cand, pri)
	klog.V(4).Infof("disp: %s stole %s at %d from %s", cp, cand.ID(), pri, tcp)
	return cand, api.StealFound
}

// getkpq takes the best thread off a partition kp queue for cp.
func (s *System) getkpq(cp *CPU, kpq *dispq.Queue) *kthread.Thread {
	kpq.Lock()
	pri := kpq.MaxUnboundPri()
	if pri == api.NoPri {
		kpq.Unlock()
		return nil
	}
	t := kpq.TakeFirst(pri, func(*kthread.Thread) bool { return true })
	if t == nil {
		kpq.FixUnboundPri(pri)
		kpq.Unlock()
		return nil
	}
	kpq.Unlock()
	s.claim(cp, t, pri)
	return t
}

// claim makes a thread taken from another queue cp's chosen thread.
func (s *System) claim(cp *CPU, t *kthread.Thread, pri api.Pri) {
	t.SetFlag(kthread.DontSwap)
	cp.disp.Lock()
	cp.dispThread.Store(t)
	cp.dispatchPri.Store(int32(pri))
	cp.disp.Unlock()
	s.onproc(cp, t)
}

// AnyWork reports whether cp would find something to run right now. It
// may leave a steal hint for the next getwork.
func (s *System) AnyWork(cp *CPU) bool {
	s.world.Enter()
	defer s.world.Exit()
	if cp.Offline() {
		return false
	}
	part := cp.part.Load()
	if part.kpq.MaxRunPri() >= 0 {
		return true
	}
	ring := part.CPUs()
	start := 0
	for i, ocp := range ring {
		if ocp == cp {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(ring); i++ {
		ocp := ring[(start+i)%len(ring)]
		if ocp == cp {
			continue
		}
		if cp.disp.NRunnable() > 0 || cp.stealFrom.Load() != nil {
			return true
		}
		oq := ocp.disp
		if ocp.IsIdle() && oq.NRunnable() == 0 && !ocp.Halted() {
			return false
		}
		if oq.MaxUnboundPri() != api.NoPri &&
			!(oq.NRunnable() == 1 && (ocp.IsIdle() || ocp.ctxSwitching() || ocp.transient())) {
			cp.stealFrom.Store(ocp)
			return true
		}
	}
	return cp.disp.NRunnable() > 0 || cp.stealFrom.Load() != nil
}

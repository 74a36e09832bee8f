// File: internal/disp/lifecycle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Processor and partition reshaping. Everything here runs under the
// topology token; anything that changes what peers may observe runs with
// the world paused.

package disp

import (
	"sort"

	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Bound-thread checks for BoundCheck.
const (
	BoundCPU  = 1 << iota // hard or weak binding to the processor
	BoundPart             // any thread of the processor's partition
	BoundIntr             // include interrupt threads
)

// AddCPU creates processor id in partition part and brings it online.
func (s *System) AddCPU(tk *TopologyToken, id api.CPUID, part api.PartID) (*CPU, error) {
	s.checkToken(tk)
	if id < 0 || int(id) >= len(s.cpus) {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "processor id %d outside [0,%d)", id, len(s.cpus))
	}
	if s.CPU(id) != nil {
		return nil, errors.Wrapf(api.ErrAlreadyExists, "processor %s", id)
	}
	p := s.Partition(part)
	if p == nil {
		return nil, errors.Wrapf(api.ErrNotFound, "partition %d", part)
	}
	mt := s.machine.Topology()
	leaf := mt.LeafOf(id)
	if leaf == nil {
		return nil, errors.Wrapf(api.ErrNotFound, "processor %s in the machine topology", id)
	}
	idle, err := s.threads.AllocIdle(id, part, leaf.ID)
	if err != nil {
		return nil, err
	}

	cp := &CPU{id: id, disp: dispq.New(s.threads, id, s.NGlobPris()), idle: idle}
	cp.part.Store(p)
	cp.thread.Store(idle)
	cp.setupIdle()
	idle.SetDispQ(cp.disp)
	cp.flags.Store(cpuActive)

	s.world.Pause()
	s.cpus[id].Store(cp)
	all := append(append([]*CPU(nil), s.CPUs()...), cp)
	sortCPUs(all)
	s.all.Store(&all)
	s.rebuild(p)
	s.world.Resume()

	s.registerCPUProbe(cp)
	klog.V(2).Infof("disp: %s added to partition %d", cp, part)
	return cp, nil
}

// Offline stops cp from taking unbound work and moves its unbound threads
// to peers. Threads bound to cp keep it busy.
func (s *System) Offline(tk *TopologyToken, cp *CPU) error {
	s.checkToken(tk)
	if cp.Offline() {
		return nil
	}
	p := cp.part.Load()
	if len(p.CPUs()) == 1 && s.BoundCheck(cp, BoundPart) != nil {
		return errors.Wrapf(api.ErrBusy, "%s is the last processor of partition %d", cp, p.id)
	}
	s.inMotion.Store(cp)
	defer s.inMotion.Store(nil)

	s.world.Pause()
	cp.flags.Store((cp.flags.Load() | cpuOffline) &^ cpuActive)
	s.rebuild(p)
	s.world.Resume()

	if t := cp.Thread(); !t.IsIdle() && !t.Bound() {
		cp.runrun.Store(true)
		cp.kprunrun.Store(true)
		s.poke(cp)
	}
	s.cpuInactive(cp)
	klog.V(2).Infof("disp: %s offline", cp)
	return nil
}

// Online lets cp take unbound work again.
func (s *System) Online(tk *TopologyToken, cp *CPU) error {
	s.checkToken(tk)
	if !cp.Offline() {
		return nil
	}
	s.world.Pause()
	cp.flags.Store((cp.flags.Load() | cpuActive) &^ (cpuOffline | cpuQuiesced))
	s.rebuild(cp.part.Load())
	s.world.Resume()
	klog.V(2).Infof("disp: %s online", cp)
	return nil
}

// Quiesce marks an offline processor as not even running bound work.
func (s *System) Quiesce(tk *TopologyToken, cp *CPU, on bool) error {
	s.checkToken(tk)
	if !cp.Offline() {
		return errors.Wrapf(api.ErrBusy, "%s must be offline to quiesce", cp)
	}
	if on {
		if t := s.BoundCheck(cp, BoundCPU); t != nil {
			return errors.Wrapf(api.ErrBusy, "%s has bound thread %s", cp, t.ID())
		}
		cp.flags.Or(cpuQuiesced)
	} else {
		cp.flags.And(^cpuQuiesced)
	}
	return nil
}

// CPUInactive moves every unbound thread queued on cp to another
// processor. cp must already be out of its partition's active set.
func (s *System) CPUInactive(tk *TopologyToken, cp *CPU) {
	s.checkToken(tk)
	s.cpuInactive(cp)
}

func (s *System) cpuInactive(cp *CPU) {
	s.world.Enter()
	defer s.world.Exit()
	q := cp.disp
	for q.MaxUnboundPri() != api.NoPri {
		q.Lock()
		pri := q.MaxUnboundPri()
		if pri == api.NoPri {
			q.Unlock()
			break
		}
		t := q.TakeFirst(pri, func(t *kthread.Thread) bool { return !t.Bound() })
		if t == nil {
			q.FixUnboundPri(pri)
			q.Unlock()
			continue
		}
		q.Unlock()
		s.setbackdq(t, nil)
	}
}

// RemoveCPU deletes an offline processor with an empty queue.
func (s *System) RemoveCPU(tk *TopologyToken, cp *CPU) error {
	s.checkToken(tk)
	if !cp.Offline() {
		return errors.Wrapf(api.ErrBusy, "%s is online", cp)
	}
	if t := s.BoundCheck(cp, BoundCPU|BoundIntr); t != nil {
		return errors.Wrapf(api.ErrBusy, "%s has bound thread %s", cp, t.ID())
	}
	if cp.disp.NRunnable() != 0 || !cp.IsIdle() {
		return errors.Wrapf(api.ErrBusy, "%s still has work", cp)
	}
	s.world.Pause()
	s.cpus[cp.id].Store(nil)
	all := make([]*CPU, 0, s.ncpus())
	for _, c := range s.CPUs() {
		if c != cp {
			all = append(all, c)
		}
	}
	s.all.Store(&all)
	s.world.Resume()

	s.probes.UnregisterProbe(cpuProbeName(cp))
	cp.idle.SetState(kthread.Zombie)
	if err := s.threads.Release(cp.idle); err != nil {
		return err
	}
	klog.V(2).Infof("disp: %s removed", cp)
	return nil
}

// MoveCPU reassigns cp to partition to. Unbound threads left on its queue
// stay with their old partition.
func (s *System) MoveCPU(tk *TopologyToken, cp *CPU, to *Partition) error {
	s.checkToken(tk)
	from := cp.part.Load()
	if from == to {
		return nil
	}
	if t := s.BoundCheck(cp, BoundCPU); t != nil {
		return errors.Wrapf(api.ErrBusy, "%s has bound thread %s", cp, t.ID())
	}
	if from.has(cp) && len(from.CPUs()) == 1 && s.BoundCheck(cp, BoundPart) != nil {
		return errors.Wrapf(api.ErrBusy, "%s is the last processor of partition %d", cp, from.id)
	}
	s.inMotion.Store(cp)
	defer s.inMotion.Store(nil)

	s.world.Pause()
	cp.part.Store(to)
	cp.idle.SetPart(to.id)
	s.rebuild(from)
	s.rebuild(to)
	s.world.Resume()

	s.cpuInactive(cp)
	klog.V(2).Infof("disp: %s moved from partition %d to %d", cp, from.id, to.id)
	return nil
}

// BoundCheck returns a thread that would be stranded if cp went away, or
// nil. flags selects which bindings count.
func (s *System) BoundCheck(cp *CPU, flags int) *kthread.Thread {
	var found *kthread.Thread
	part := cp.part.Load().id
	s.threads.Range(func(t *kthread.Thread) bool {
		if t == cp.idle || t.IsIdle() || t.State() == kthread.Zombie {
			return true
		}
		if t.IsIntr() && flags&BoundIntr == 0 {
			return true
		}
		if flags&BoundCPU != 0 && (t.BoundCPU() == cp.id || t.WeakBoundCPU() == cp.id) {
			found = t
			return false
		}
		if flags&BoundPart != 0 && t.Part() == part {
			found = t
			return false
		}
		return true
	})
	return found
}

func sortCPUs(c []*CPU) {
	sort.Slice(c, func(i, j int) bool { return c[i].id < c[j].id })
}

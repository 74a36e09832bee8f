// File: internal/disp/partition.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

// Partition is a set of processors sharing a kp queue. Its view is
// immutable and replaced while the world is paused.
type Partition struct {
	id   api.PartID
	kpq  *dispq.Queue
	view atomic.Pointer[partView]
}

type partView struct {
	ring []*CPU
	pos  map[api.CPUID]int
	topo *lgrp.Topology
}

func (p *Partition) ID() api.PartID { return p.id }

// KPQ returns the partition's kernel-preemption queue.
func (p *Partition) KPQ() *dispq.Queue { return p.kpq }

// Topology returns the locality hierarchy restricted to the active
// processors of the partition.
func (p *Partition) Topology() *lgrp.Topology { return p.view.Load().topo }

// CPUs returns the active processors, in ring order.
func (p *Partition) CPUs() []*CPU { return p.view.Load().ring }

// first returns the first active processor, nil when there is none.
func (p *Partition) first() *CPU {
	if r := p.view.Load().ring; len(r) > 0 {
		return r[0]
	}
	return nil
}

// next returns the processor after cp on the partition ring.
func (p *Partition) next(cp *CPU) *CPU {
	v := p.view.Load()
	if len(v.ring) == 0 {
		return nil
	}
	i, ok := v.pos[cp.id]
	if !ok {
		return v.ring[0]
	}
	return v.ring[(i+1)%len(v.ring)]
}

func (p *Partition) has(cp *CPU) bool {
	_, ok := p.view.Load().pos[cp.id]
	return ok
}

// rebuild recomputes the view from the processors currently active in p.
// Caller has paused the world, or p is not yet reachable.
func (s *System) rebuild(p *Partition) {
	ids := sets.New[api.CPUID]()
	var ring []*CPU
	for _, cp := range s.CPUs() {
		if cp.part.Load() == p && cp.Active() {
			ids.Insert(cp.id)
			ring = append(ring, cp)
		}
	}
	v := &partView{ring: ring, pos: make(map[api.CPUID]int, len(ring))}
	for i, cp := range ring {
		v.pos[cp.id] = i
	}
	v.topo = s.machine.Topology().Restrict(ids)
	p.view.Store(v)
}

func (s *System) newPartition(id api.PartID) (*Partition, error) {
	p := &Partition{id: id, kpq: dispq.New(s.threads, api.NoCPU, s.NGlobPris())}
	s.rebuild(p)
	if _, loaded := s.parts.LoadOrStore(id, p); loaded {
		return nil, errors.Wrapf(api.ErrAlreadyExists, "partition %d", id)
	}
	klog.V(2).Infof("disp: partition %d created", id)
	return p, nil
}

// NewPartition creates an empty partition.
func (s *System) NewPartition(tk *TopologyToken, id api.PartID) (*Partition, error) {
	s.checkToken(tk)
	if id < 0 {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "partition %d", id)
	}
	return s.newPartition(id)
}

// Partitions returns every partition.
func (s *System) Partitions() []*Partition {
	var out []*Partition
	s.parts.Range(func(_, v any) bool {
		out = append(out, v.(*Partition))
		return true
	})
	return out
}

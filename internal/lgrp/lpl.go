// File: internal/lgrp/lpl.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Locality topology as seen by one CPU partition. A Topology is immutable;
// processor and partition changes build a new one and publish it.

package lgrp

import (
	"sort"

	"github.com/momentics/hioload-disp/api"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Lpl is a locality group restricted to a partition. A leaf owns a ring of
// processors; every level holds the leaves beneath it as its resource set.
type Lpl struct {
	ID     api.LgrpID
	Parent *Lpl
	// Rset lists the leaves reachable from this level. A leaf's set is itself.
	Rset []*Lpl
	// CPUs is the processor ring of a leaf, and every processor below for
	// other levels.
	CPUs []api.CPUID

	id2rset map[api.LgrpID]int
	cpuset  sets.Set[api.CPUID]
	ringPos map[api.CPUID]int
}

// IsLeaf reports whether the lpl has processors of its own.
func (l *Lpl) IsLeaf() bool { return len(l.Rset) == 1 && l.Rset[0] == l }

// RsetIndex returns the position of leaf in the resource set, or 0.
func (l *Lpl) RsetIndex(leaf api.LgrpID) int { return l.id2rset[leaf] }

// Contains reports whether cpu lies inside the lpl.
func (l *Lpl) Contains(cpu api.CPUID) bool { return l.cpuset.Has(cpu) }

// NCPU returns the number of processors inside the lpl.
func (l *Lpl) NCPU() int { return l.cpuset.Len() }

// Next returns the processor after cpu on a leaf ring.
func (l *Lpl) Next(cpu api.CPUID) api.CPUID {
	i, ok := l.ringPos[cpu]
	if !ok {
		return l.CPUs[0]
	}
	return l.CPUs[(i+1)%len(l.CPUs)]
}

// Depth returns the number of parents above the lpl.
func (l *Lpl) Depth() int {
	d := 0
	for p := l.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

// Topology is a read-only locality hierarchy.
type Topology struct {
	lpls   map[api.LgrpID]*Lpl
	leafOf map[api.CPUID]*Lpl
	root   *Lpl
	// cache domain per processor; equal non-negative ids share a cache
	cache map[api.CPUID]int
}

// Root returns the outermost lpl.
func (t *Topology) Root() *Lpl { return t.root }

// Lpl returns the lpl for id, falling back to the root when the group has
// no processors in this topology.
func (t *Topology) Lpl(id api.LgrpID) *Lpl {
	if l, ok := t.lpls[id]; ok {
		return l
	}
	return t.root
}

// Has reports whether id names an lpl of this topology.
func (t *Topology) Has(id api.LgrpID) bool {
	_, ok := t.lpls[id]
	return ok
}

// LeafOf returns the leaf lpl holding cpu, nil if cpu is not in the
// topology.
func (t *Topology) LeafOf(cpu api.CPUID) *Lpl { return t.leafOf[cpu] }

// CPUs returns all processors in ascending order.
func (t *Topology) CPUs() []api.CPUID {
	return sets.List(t.root.cpuset)
}

// CPUSet returns the processor set of the topology.
func (t *Topology) CPUSet() sets.Set[api.CPUID] { return t.root.cpuset.Clone() }

// SharesCache reports whether migrating between a and b keeps cache
// warmth.
func (t *Topology) SharesCache(a, b api.CPUID) bool {
	if a == b {
		return true
	}
	da, oka := t.cache[a]
	db, okb := t.cache[b]
	return oka && okb && da == db
}

// Restrict returns the topology seen by a partition owning cpus. Groups
// left without processors disappear; the hierarchy above them is kept.
func (t *Topology) Restrict(cpus sets.Set[api.CPUID]) *Topology {
	return build(t.root, func(c api.CPUID) bool { return cpus.Has(c) }, t.cache)
}

func build(src *Lpl, keep func(api.CPUID) bool, cache map[api.CPUID]int) *Topology {
	nt := &Topology{
		lpls:   make(map[api.LgrpID]*Lpl),
		leafOf: make(map[api.CPUID]*Lpl),
		cache:  make(map[api.CPUID]int),
	}
	var copyLpl func(s *Lpl, parent *Lpl) *Lpl
	copyLpl = func(s *Lpl, parent *Lpl) *Lpl {
		n := &Lpl{ID: s.ID, Parent: parent, cpuset: sets.New[api.CPUID]()}
		for _, c := range s.CPUs {
			if keep(c) {
				n.cpuset.Insert(c)
			}
		}
		if n.cpuset.Len() == 0 {
			return nil
		}
		nt.lpls[n.ID] = n
		if s.IsLeaf() {
			for _, c := range s.CPUs {
				if keep(c) {
					n.CPUs = append(n.CPUs, c)
				}
			}
			n.Rset = []*Lpl{n}
			return n
		}
		n.CPUs = sets.List(n.cpuset)
		for _, leaf := range s.children() {
			copyLpl(leaf, n)
		}
		return n
	}
	nt.root = copyLpl(src, nil)
	if nt.root == nil {
		nt.root = &Lpl{ID: src.ID, cpuset: sets.New[api.CPUID]()}
		nt.root.Rset = []*Lpl{nt.root}
		nt.lpls[nt.root.ID] = nt.root
	}
	nt.link()
	for c, d := range cache {
		if keep(c) {
			nt.cache[c] = d
		}
	}
	return nt
}

// children reconstructs the direct sub-groups of a non-leaf lpl from its
// leaves' parent chains.
func (l *Lpl) children() []*Lpl {
	seen := map[api.LgrpID]bool{}
	var out []*Lpl
	for _, leaf := range l.Rset {
		c := leaf
		for c.Parent != nil && c.Parent != l {
			c = c.Parent
		}
		if c.Parent == l && !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// link fills resource sets, ring positions and the leaf index once every
// lpl and parent pointer exists.
func (t *Topology) link() {
	ids := make([]api.LgrpID, 0, len(t.lpls))
	for id := range t.lpls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		l := t.lpls[id]
		if len(l.Rset) == 1 && l.Rset[0] == l {
			l.ringPos = make(map[api.CPUID]int, len(l.CPUs))
			for i, c := range l.CPUs {
				l.ringPos[c] = i
				t.leafOf[c] = l
			}
		} else {
			l.Rset = nil
		}
	}
	for _, id := range ids {
		leaf := t.lpls[id]
		if !leaf.IsLeaf() {
			continue
		}
		for p := leaf.Parent; p != nil; p = p.Parent {
			p.Rset = append(p.Rset, leaf)
		}
	}
	for _, l := range t.lpls {
		l.id2rset = make(map[api.LgrpID]int, len(l.Rset))
		for i, leaf := range l.Rset {
			l.id2rset[leaf.ID] = i
		}
	}
}

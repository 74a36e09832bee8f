// File: internal/lgrp/desc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Topology descriptions. The machine topology comes from a YAML document or
// is synthesized for a flat machine.

package lgrp

import (
	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Provider supplies the machine-wide locality topology.
type Provider interface {
	Topology() *Topology
}

// Static is a Provider returning a fixed topology.
type Static struct{ T *Topology }

func (s Static) Topology() *Topology { return s.T }

// GroupDesc describes one locality group.
type GroupDesc struct {
	ID api.LgrpID `yaml:"id"`
	// Parent is ignored for the root group.
	Parent api.LgrpID `yaml:"parent"`
	// CPUs is set on leaves only.
	CPUs []api.CPUID `yaml:"cpus,omitempty"`
}

// Desc is the YAML form of a machine topology. The group with the root id
// must exist; cache domains list processors sharing a last-level cache.
type Desc struct {
	Groups []GroupDesc   `yaml:"lgroups"`
	Caches [][]api.CPUID `yaml:"caches,omitempty"`
}

// Flat describes a uniform machine of n processors in one group.
func Flat(n int) *Topology {
	cpus := make([]api.CPUID, n)
	for i := range cpus {
		cpus[i] = api.CPUID(i)
	}
	t, err := Build(Desc{Groups: []GroupDesc{{ID: api.RootLgrp, CPUs: cpus}}})
	if err != nil {
		panic(err)
	}
	return t
}

// Build validates d and constructs its topology.
func Build(d Desc) (*Topology, error) {
	byID := make(map[api.LgrpID]*GroupDesc, len(d.Groups))
	for i := range d.Groups {
		g := &d.Groups[i]
		if _, dup := byID[g.ID]; dup {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "duplicate lgroup %d", g.ID)
		}
		byID[g.ID] = g
	}
	if _, ok := byID[api.RootLgrp]; !ok {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "missing root lgroup %d", api.RootLgrp)
	}

	hasChild := map[api.LgrpID]bool{}
	for _, g := range d.Groups {
		if g.ID == api.RootLgrp {
			continue
		}
		if _, ok := byID[g.Parent]; !ok {
			return nil, errors.Wrapf(api.ErrNotFound, "lgroup %d: parent %d", g.ID, g.Parent)
		}
		// every chain must reach the root
		seen := sets.New[api.LgrpID](g.ID)
		for p := g.Parent; p != api.RootLgrp; p = byID[p].Parent {
			if _, ok := byID[p]; !ok {
				return nil, errors.Wrapf(api.ErrNotFound, "lgroup %d: ancestor %d", g.ID, p)
			}
			if seen.Has(p) {
				return nil, errors.Wrapf(api.ErrInvalidArgument, "lgroup %d: parent cycle", g.ID)
			}
			seen.Insert(p)
		}
		hasChild[g.Parent] = true
	}

	owner := map[api.CPUID]api.LgrpID{}
	for _, g := range d.Groups {
		if hasChild[g.ID] {
			if len(g.CPUs) != 0 {
				return nil, errors.Wrapf(api.ErrInvalidArgument, "lgroup %d: only leaves own cpus", g.ID)
			}
			continue
		}
		if len(g.CPUs) == 0 {
			return nil, errors.Wrapf(api.ErrInvalidArgument, "leaf lgroup %d has no cpus", g.ID)
		}
		for _, c := range g.CPUs {
			if c < 0 {
				return nil, errors.Wrapf(api.ErrInvalidArgument, "lgroup %d: bad cpu %d", g.ID, c)
			}
			if o, dup := owner[c]; dup {
				return nil, errors.Wrapf(api.ErrInvalidArgument, "cpu %d in lgroups %d and %d", c, o, g.ID)
			}
			owner[c] = g.ID
		}
	}

	t := &Topology{
		lpls:   make(map[api.LgrpID]*Lpl, len(d.Groups)),
		leafOf: make(map[api.CPUID]*Lpl),
		cache:  make(map[api.CPUID]int),
	}
	for _, g := range d.Groups {
		l := &Lpl{ID: g.ID, cpuset: sets.New[api.CPUID]()}
		if !hasChild[g.ID] {
			l.CPUs = append([]api.CPUID(nil), g.CPUs...)
			l.Rset = []*Lpl{l}
		}
		t.lpls[g.ID] = l
	}
	for _, g := range d.Groups {
		if g.ID != api.RootLgrp {
			t.lpls[g.ID].Parent = t.lpls[g.Parent]
		}
	}
	for _, g := range d.Groups {
		if hasChild[g.ID] {
			continue
		}
		for p := t.lpls[g.ID]; p != nil; p = p.Parent {
			p.cpuset.Insert(g.CPUs...)
		}
	}
	t.root = t.lpls[api.RootLgrp]
	for _, l := range t.lpls {
		if !l.IsLeaf() {
			l.CPUs = sets.List(l.cpuset)
		}
	}
	t.link()

	for i, dom := range d.Caches {
		for _, c := range dom {
			if _, ok := owner[c]; !ok {
				return nil, errors.Wrapf(api.ErrNotFound, "cache domain %d: cpu %d", i, c)
			}
			t.cache[c] = i
		}
	}
	return t, nil
}

// Load reads a YAML topology description from fs.
func Load(fs afero.Fs, path string) (*Topology, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read topology %s", path)
	}
	var d Desc
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrapf(err, "parse topology %s", path)
	}
	t, err := Build(d)
	if err != nil {
		return nil, errors.Wrapf(err, "topology %s", path)
	}
	return t, nil
}

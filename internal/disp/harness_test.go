// File: internal/disp/harness_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/fake"
	"github.com/momentics/hioload-disp/internal/kthread"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

const (
	tsClass  = 0
	sysClass = 1
)

type harness struct {
	t       *testing.T
	s       *System
	clock   *fake.Clock
	sw      *fake.Switcher
	poke    *fake.Poker
	swapper *fake.Swapper
	ts      *fake.Class
	sys     *fake.Class
	metrics *control.Metrics
	cpus    []*CPU
}

// newHarness builds a system over topo with every processor of topo
// online in partition 0. Pseudo-random choices always pick index 0.
func newHarness(t *testing.T, topo *lgrp.Topology, tune func(*control.Tunables)) *harness {
	t.Helper()
	tun := control.DefaultTunables()
	if tune != nil {
		tune(&tun)
	}
	h := &harness{
		t:       t,
		clock:   fake.NewClock(0),
		sw:      &fake.Switcher{},
		poke:    &fake.Poker{},
		swapper: &fake.Swapper{},
		ts:      fake.NewClass("TS", 59),
		sys:     fake.NewSystemClass("SYS", 99),
		metrics: control.NewMetrics(),
	}
	s, err := New(Options{
		Tunables: control.NewTunableStore(tun),
		Metrics:  h.metrics,
		Clock:    h.clock,
		Switcher: h.sw,
		Poker:    h.poke,
		Swapper:  h.swapper,
		Topology: lgrp.Static{T: topo},
		Classes:  []api.SchedClass{h.ts, h.sys},
		Rand:     func(int) int { return 0 },
	})
	require.NoError(t, err)
	h.s = s
	tk := s.LockTopology()
	defer tk.Unlock()
	for _, id := range topo.CPUs() {
		cp, err := s.AddCPU(tk, id, 0)
		require.NoError(t, err)
		h.cpus = append(h.cpus, cp)
	}
	return h
}

type threadOpt func(*kthread.Spec)

func boundTo(cpu api.CPUID) threadOpt {
	return func(s *kthread.Spec) { s.Bound, s.BoundCPU = true, cpu }
}

func inClass(c int) threadOpt {
	return func(s *kthread.Spec) { s.Class = c }
}

func homeAt(l api.LgrpID) threadOpt {
	return func(s *kthread.Spec) { s.Home = l }
}

// thread allocates a thread at pri that last ran on last and is still
// cache-warm there.
func (h *harness) thread(pri api.Pri, last api.CPUID, opts ...threadOpt) *kthread.Thread {
	h.t.Helper()
	spec := kthread.Spec{Class: tsClass, LastCPU: last, Home: api.RootLgrp}
	for _, o := range opts {
		o(&spec)
	}
	th, err := h.s.NewThread(spec)
	require.NoError(h.t, err)
	if spec.Class == sysClass {
		h.sys.SetPri(th.ID(), pri)
	} else {
		h.ts.SetPri(th.ID(), pri)
	}
	th.SetDispTime(h.clock.Now())
	return th
}

// run makes th the thread executing on cp.
func (h *harness) run(cp *CPU, th *kthread.Thread) {
	h.t.Helper()
	th.SetLastCPU(cp.ID())
	th.SetDispTime(h.clock.Now())
	h.s.SetBackDQ(th, nil)
	require.Equal(h.t, cp.disp, th.DispQ(), "%s not queued on %s", th.ID(), cp)
	require.Same(h.t, th, h.s.Swtch(cp))
	require.Same(h.t, th, cp.Thread())
}

func (h *harness) queued(cp *CPU, pri api.Pri) []api.ThreadID {
	return cp.disp.Snapshot().Levels[pri]
}

func (h *harness) invariants() {
	h.t.Helper()
	require.NoError(h.t, h.s.CheckInvariants())
}

// twoSockets is two leaves of two processors under the root, each pair
// sharing a cache.
func twoSockets(t *testing.T) *lgrp.Topology {
	t.Helper()
	topo, err := lgrp.Build(lgrp.Desc{
		Groups: []lgrp.GroupDesc{
			{ID: 0},
			{ID: 1, Parent: 0, CPUs: []api.CPUID{0, 1}},
			{ID: 2, Parent: 0, CPUs: []api.CPUID{2, 3}},
		},
		Caches: [][]api.CPUID{{0, 1}, {2, 3}},
	})
	require.NoError(t, err)
	return topo
}

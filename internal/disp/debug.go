// File: internal/disp/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// CPUState is what the debug probes report for one processor.
type CPUState struct {
	Queue       dispq.Snapshot
	Thread      api.ThreadID
	DispatchPri api.Pri
	ChosenLevel api.Pri
	Runrun      bool
	Kprunrun    bool
	Offline     bool
	Switches    uint64
}

// State snapshots cp.
func (cp *CPU) State() CPUState {
	return CPUState{
		Queue:       cp.disp.Snapshot(),
		Thread:      cp.Thread().ID(),
		DispatchPri: cp.DispatchPri(),
		ChosenLevel: cp.ChosenLevel(),
		Runrun:      cp.Runrun(),
		Kprunrun:    cp.Kprunrun(),
		Offline:     cp.Offline(),
		Switches:    cp.Switches(),
	}
}

var _ api.Control = (*System)(nil)

// Stats flattens the dispatcher counters.
func (s *System) Stats() map[string]float64 { return s.metrics.Snapshot() }

// OnReload calls fn after every tunables change.
func (s *System) OnReload(fn func()) { s.tun.OnReload(func(control.Tunables) { fn() }) }

func (s *System) RegisterDebugProbe(name string, fn func() any) { s.probes.RegisterProbe(name, fn) }

func cpuProbeName(cp *CPU) string { return fmt.Sprintf("disp.%s", cp.id) }

func (s *System) registerCPUProbe(cp *CPU) {
	s.probes.RegisterProbe(cpuProbeName(cp), func() any { return cp.State() })
}

func (s *System) registerProbes() {
	s.probes.RegisterProbe("disp.kpq", func() any {
		out := make(map[api.PartID]dispq.Snapshot)
		for _, p := range s.Partitions() {
			out[p.id] = p.kpq.Snapshot()
		}
		return out
	})
	s.probes.RegisterProbe("disp.nglobpris", func() any { return s.NGlobPris() })
	s.probes.RegisterProbe("disp.threads", func() any { return s.threads.Live() })
}

// CheckInvariants verifies every queue and that no runnable thread sits on
// more than one of them. It is meant for quiescent systems and tests.
func (s *System) CheckInvariants() error {
	seen := make(map[api.ThreadID]api.CPUID)
	check := func(q *dispq.Queue) error {
		if err := q.CheckInvariants(); err != nil {
			return errors.Wrapf(err, "queue of %s", q.OwnerCPU())
		}
		for _, ids := range q.Snapshot().Levels {
			for _, id := range ids {
				if prev, dup := seen[id]; dup {
					return errors.AssertionFailedf("%s queued on %s and %s", id, prev, q.OwnerCPU())
				}
				seen[id] = q.OwnerCPU()
				if st := s.threads.Get(id).State(); st != kthread.Run {
					return errors.AssertionFailedf("%s queued in state %s", id, st)
				}
			}
		}
		return nil
	}
	for _, cp := range s.CPUs() {
		if err := check(cp.disp); err != nil {
			return err
		}
	}
	for _, p := range s.Partitions() {
		if err := check(p.kpq); err != nil {
			return err
		}
	}
	return nil
}

// File: internal/disp/idle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package disp

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Idle runs cp's idle loop until it switches to a real thread, which it
// returns, or until ctx is done (nil). Each pass through the loop is its
// own dispatcher operation; the idle hook runs outside of them so a
// stop-the-world pause never waits on a halted processor.
func (s *System) Idle(ctx context.Context, cp *CPU) *kthread.Thread {
	s.metrics.Idled()
	klog.V(4).Infof("disp: %s idle", cp)
	for ctx.Err() == nil {
		if t, done := s.idleOnce(cp); done {
			return t
		} else if t == nil {
			cp.halt()
		}
	}
	return nil
}

// idleOnce makes one attempt at finding work. It returns done with the
// thread switched to, or a nil thread when cp should halt, or cp's idle
// thread when it should try again straight away.
func (s *System) idleOnce(cp *CPU) (*kthread.Thread, bool) {
	s.world.Enter()
	defer s.world.Exit()

	if s.ncpus() == 1 {
		if cp.disp.NRunnable() == 0 {
			return nil, false
		}
		return s.switched(cp, s.swtch(cp))
	}
	if cp.Quiesced() {
		return nil, false
	}
	if cp.disp.NRunnable() > 0 {
		return s.switched(cp, s.swtch(cp))
	}
	if cp.Offline() {
		return nil, false
	}
	t, sig := s.getwork(cp)
	switch sig {
	case api.StealNone:
		if cp.ChosenLevel() != api.NoPri {
			// Nobody else cleared it and the work it promised is gone.
			cp.disp.Lock()
			if cp.part.Load().kpq.MaxRunPri() == api.NoPri {
				cp.chosenLevel.Store(int32(api.NoPri))
			}
			cp.disp.Unlock()
		}
		return nil, false
	case api.StealDeferred:
		s.metrics.Deferred()
		return cp.idle, false
	case api.StealLocalAvail:
		return cp.idle, false
	}
	s.metrics.Dispatched(control.FromSteal)
	s.swtchTo(cp, t)
	return t, true
}

func (s *System) switched(cp *CPU, next *kthread.Thread) (*kthread.Thread, bool) {
	if next == cp.idle {
		return cp.idle, false
	}
	return next, true
}

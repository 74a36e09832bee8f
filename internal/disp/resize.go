// File: internal/disp/resize.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loading a scheduling class may raise the global priority range. Queue
// storage is then regrown for every processor and partition: allocated up
// front, swapped in with the world paused, and dropped after resume.

package disp

import (
	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/dispq"
)

// AddClass loads c and returns its class index.
func (s *System) AddClass(tk *TopologyToken, c api.SchedClass) (int, error) {
	s.checkToken(tk)
	if c == nil || c.MaxGlobalPri() < 0 {
		return 0, errors.Wrap(api.ErrInvalidArgument, "scheduling class without a priority range")
	}
	old := *s.classes.Load()
	for _, o := range old {
		if o.Name() == c.Name() {
			return 0, errors.Wrapf(api.ErrAlreadyExists, "class %s", c.Name())
		}
	}
	cl := make([]api.SchedClass, len(old), len(old)+1)
	copy(cl, old)
	cl = append(cl, c)

	maxglob := api.Pri(s.maxGlobPri.Load())
	if p := c.MaxGlobalPri(); p > maxglob || s.nglobpris.Load() == 0 {
		s.setup(p)
	}
	s.classes.Store(&cl)
	klog.V(2).Infof("disp: class %s loaded as %d, max global pri %d", c.Name(), len(old), c.MaxGlobalPri())
	return len(old), nil
}

// Classes returns the loaded scheduling classes by index.
func (s *System) Classes() []api.SchedClass { return *s.classes.Load() }

type regrow struct {
	q  *dispq.Queue
	nl *dispq.Levels
}

// setup sizes every dispatch queue for maxglobpri. Caller holds the
// topology token.
func (s *System) setup(maxglobpri api.Pri) {
	maxpri := api.Pri(s.maxGlobPri.Load())
	if maxglobpri > maxpri || s.nglobpris.Load() == 0 {
		maxpri = maxglobpri
	}
	tun := s.tun.Get()
	n := int(maxpri) + 1 + int(tun.LockLevel)
	if n > s.NGlobPris() && n > tun.MaxPriorities {
		s.fatalf("dispatch queues for %d priorities exceed the limit of %d", n, tun.MaxPriorities)
	}
	s.maxGlobPri.Store(int32(maxpri))
	if n > s.NGlobPris() {
		var work []regrow
		for _, cp := range s.CPUs() {
			work = append(work, regrow{q: cp.disp, nl: dispq.NewLevels(n)})
		}
		for _, p := range s.Partitions() {
			work = append(work, regrow{q: p.kpq, nl: dispq.NewLevels(n)})
		}

		s.world.Pause()
		for i := range work {
			work[i].nl = work[i].q.Swap(work[i].nl)
		}
		s.nglobpris.Store(int32(n))
		s.world.Resume()
		// work now holds the old storage, released when it goes out of
		// scope, after every processor has resumed.
		s.metrics.Resized()
		klog.V(2).Infof("disp: dispatch queues grown to %d priorities", n)
	}

	s.intrPri.Store(s.maxGlobPri.Load())
	if tun.OnlyIntrKpreempt {
		kp := s.intrPri.Load() + 1
		s.kpreemptPri.Store(kp)
		if tun.KpqPri == -1 {
			s.kpqPri.Store(kp)
		}
	}
}

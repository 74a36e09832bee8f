// File: internal/disp/system.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// System ties processors, partitions, the thread arena and the loaded
// scheduling classes together. Every exported entry point brackets itself
// with the pause gate so a topology change can stop the world.

package disp

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/internal/concurrency"
	"github.com/momentics/hioload-disp/internal/kthread"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

// DefaultMaxCPUs bounds the processor table when Options leaves it unset.
const DefaultMaxCPUs = 256

// EnqueueHook is the platform callback run after a thread lands on cp's
// queue.
type EnqueueHook func(cp *CPU, bound bool)

// Options configures a System.
type Options struct {
	Tunables *control.TunableStore
	Metrics  *control.Metrics
	Probes   *control.DebugProbes
	Clock    api.Clock
	Switcher api.Switcher
	Poker    api.Poker
	Swapper  api.SwapperWaker
	Topology lgrp.Provider
	Classes  []api.SchedClass

	MaxThreads int
	MaxCPUs    int
	// Rand returns a pseudo-random int in [0, n). Defaults to math/rand/v2.
	Rand func(n int) int
}

// System is the dispatcher.
type System struct {
	threads  *kthread.Table
	tun      *control.TunableStore
	metrics  *control.Metrics
	probes   *control.DebugProbes
	clock    api.Clock
	switcher api.Switcher
	poker    api.Poker
	swapper  api.SwapperWaker
	machine  lgrp.Provider
	randn    func(n int) int

	world   concurrency.PauseGate
	cpuLock sync.Mutex

	classes atomic.Pointer[[]api.SchedClass]

	nglobpris   atomic.Int32
	maxGlobPri  atomic.Int32
	intrPri     atomic.Int32
	kpreemptPri atomic.Int32
	kpqPri      atomic.Int32

	cpus     []atomic.Pointer[CPU]
	all      atomic.Pointer[[]*CPU]
	parts    sync.Map // api.PartID -> *Partition
	inMotion atomic.Pointer[CPU]

	swapLock concurrency.SpinLock
	swapped  *queue.Queue

	enqHook atomic.Pointer[EnqueueHook]
}

// TopologyToken proves the holder serializes processor and class changes.
type TopologyToken struct {
	s    *System
	held bool
}

// LockTopology serializes lifecycle and class-loading operations.
func (s *System) LockTopology() *TopologyToken {
	s.cpuLock.Lock()
	return &TopologyToken{s: s, held: true}
}

// Unlock releases the token.
func (tk *TopologyToken) Unlock() {
	if !tk.held {
		panic("disp: topology token released twice")
	}
	tk.held = false
	tk.s.cpuLock.Unlock()
}

func (s *System) checkToken(tk *TopologyToken) {
	if tk == nil || tk.s != s || !tk.held {
		s.fatalf("topology change without holding the topology lock")
	}
}

// New builds a dispatcher with partition 0 and no processors.
func New(opts Options) (*System, error) {
	if opts.Clock == nil || opts.Switcher == nil || opts.Topology == nil {
		return nil, errors.Wrap(api.ErrInvalidArgument, "clock, switcher and topology are required")
	}
	if opts.Tunables == nil {
		opts.Tunables = control.NewTunableStore(control.DefaultTunables())
	}
	if opts.Probes == nil {
		opts.Probes = control.NewDebugProbes()
	}
	if opts.MaxCPUs <= 0 {
		opts.MaxCPUs = DefaultMaxCPUs
	}
	if opts.Rand == nil {
		opts.Rand = rand.IntN
	}
	s := &System{
		threads:  kthread.NewTable(opts.MaxThreads),
		tun:      opts.Tunables,
		metrics:  opts.Metrics,
		probes:   opts.Probes,
		clock:    opts.Clock,
		switcher: opts.Switcher,
		poker:    opts.Poker,
		swapper:  opts.Swapper,
		machine:  opts.Topology,
		randn:    opts.Rand,
		cpus:     make([]atomic.Pointer[CPU], opts.MaxCPUs),
		swapped:  queue.New(),
	}
	empty := []api.SchedClass{}
	s.classes.Store(&empty)
	s.all.Store(&[]*CPU{})
	s.kpqPri.Store(-1)

	tun := s.tun.Get()
	s.derive(tun)
	s.tun.OnReload(s.derive)

	if _, err := s.newPartition(0); err != nil {
		return nil, err
	}
	tk := s.LockTopology()
	defer tk.Unlock()
	for _, c := range opts.Classes {
		if _, err := s.AddClass(tk, c); err != nil {
			return nil, err
		}
	}
	if s.nglobpris.Load() == 0 {
		s.setup(api.Pri(tun.MaxSysPri))
	}
	s.registerProbes()
	return s, nil
}

// derive recomputes the preemption thresholds from tunables: kernel
// preemption above the system class, kp queue at the same level unless
// configured.
func (s *System) derive(t control.Tunables) {
	kp := t.MaxSysPri + 1
	if t.OnlyIntrKpreempt && s.nglobpris.Load() != 0 {
		kp = api.Pri(s.intrPri.Load()) + 1
	}
	s.kpreemptPri.Store(int32(kp))
	if t.KpqPri == -1 {
		s.kpqPri.Store(int32(kp))
	} else {
		s.kpqPri.Store(int32(t.KpqPri))
	}
	klog.V(2).Infof("disp: kpreemptpri=%d kpqpri=%d", kp, s.kpqPri.Load())
}

// Threads exposes the arena.
func (s *System) Threads() *kthread.Table { return s.threads }

// Tunables returns the live tunable store.
func (s *System) Tunables() *control.TunableStore { return s.tun }

// Metrics returns the metrics sink, possibly nil.
func (s *System) Metrics() *control.Metrics { return s.metrics }

// Probes returns the debug probe registry.
func (s *System) Probes() *control.DebugProbes { return s.probes }

// NGlobPris returns the current number of dispatch priority levels.
func (s *System) NGlobPris() int { return int(s.nglobpris.Load()) }

// KpreemptPri returns the kernel preemption threshold.
func (s *System) KpreemptPri() api.Pri { return api.Pri(s.kpreemptPri.Load()) }

// KpqPri returns the threshold at or above which unbound threads go to the
// partition kp queue.
func (s *System) KpqPri() api.Pri { return api.Pri(s.kpqPri.Load()) }

// SetEnqueueHook installs the platform enqueue callback.
func (s *System) SetEnqueueHook(fn EnqueueHook) {
	if fn == nil {
		s.enqHook.Store(nil)
		return
	}
	s.enqHook.Store(&fn)
}

func (s *System) enqueued(cp *CPU, bound bool) {
	if h := s.enqHook.Load(); h != nil {
		(*h)(cp, bound)
	}
}

// CPU returns the processor with id, nil if absent.
func (s *System) CPU(id api.CPUID) *CPU {
	if id < 0 || int(id) >= len(s.cpus) {
		return nil
	}
	return s.cpus[id].Load()
}

// CPUs returns every existing processor in id order.
func (s *System) CPUs() []*CPU { return *s.all.Load() }

func (s *System) ncpus() int { return len(*s.all.Load()) }

// Partition returns the partition with id, nil if absent.
func (s *System) Partition(id api.PartID) *Partition {
	if v, ok := s.parts.Load(id); ok {
		return v.(*Partition)
	}
	return nil
}

func (s *System) partitionOf(t *kthread.Thread) *Partition {
	p := s.Partition(t.Part())
	if p == nil {
		s.fatalf("thread %s names unknown partition %d", t.ID(), t.Part())
	}
	return p
}

func (s *System) class(t *kthread.Thread) api.SchedClass {
	cl := *s.classes.Load()
	if t.Class() < 0 || t.Class() >= len(cl) {
		s.fatalf("thread %s has unknown class %d", t.ID(), t.Class())
	}
	return cl[t.Class()]
}

// pri returns the dispatch priority of t; the idle thread is always -1.
func (s *System) pri(t *kthread.Thread) api.Pri {
	if t.IsIdle() {
		return api.NoPri
	}
	p := s.class(t).DispPri(t.ID())
	if p < 0 || int(p) >= s.NGlobPris() {
		s.fatalf("thread %s dispatch priority %d outside [0,%d)", t.ID(), p, s.NGlobPris())
	}
	return p
}

func (s *System) isSys(t *kthread.Thread) bool {
	if t.IsIdle() {
		return false
	}
	sc, ok := s.class(t).(api.SystemClass)
	return ok && sc.IsSystem()
}

// cacheWarm reports whether t last ran recently enough to stay put. A
// thread enqueueing itself is still running and always warm.
func (s *System) cacheWarm(t *kthread.Thread, self bool, now int64) bool {
	return self || now-t.DispTime() <= int64(s.tun.Get().RechooseInterval())
}

// NewThread allocates a thread. Its class must be loaded and its partition
// must exist.
func (s *System) NewThread(spec kthread.Spec) (*kthread.Thread, error) {
	if spec.Class < 0 || spec.Class >= len(*s.classes.Load()) {
		return nil, errors.Wrapf(api.ErrInvalidArgument, "class %d not loaded", spec.Class)
	}
	if s.Partition(spec.Part) == nil {
		return nil, errors.Wrapf(api.ErrNotFound, "partition %d", spec.Part)
	}
	return s.threads.Alloc(spec)
}

// ExitThread returns t's slot once it is no longer runnable.
func (s *System) ExitThread(t *kthread.Thread) error {
	if t.IsIdle() {
		return errors.Wrapf(api.ErrInvalidArgument, "%s is an idle thread", t)
	}
	return s.threads.Release(t)
}

// fatalf reports a broken dispatcher invariant and panics.
func (s *System) fatalf(format string, args ...interface{}) {
	err := errors.AssertionFailedf(format, args...)
	klog.ErrorS(err, "disp: fatal invariant violation")
	panic(err)
}

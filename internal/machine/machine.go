// File: internal/machine/machine.go
// Package machine runs a dispatcher on real goroutines, one per processor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Machine supplies the machine-dependent seams of the dispatcher: context
// switches are bookkeeping, cross-processor interrupts are channel sends
// and the idle hook parks the processor goroutine until it is poked.
// Threads are workloads whose bodies run one slice at a time.

package machine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/disp"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// DefaultIdlePoll bounds how long a halted processor sleeps without a poke.
const DefaultIdlePoll = 10 * time.Millisecond

// Action is what a thread does after a slice.
type Action int

const (
	// Continue keeps running unless a preemption is pending.
	Continue Action = iota
	// Yield goes to the back of the thread's level.
	Yield
	// Sleep blocks for Step.For and then becomes runnable again.
	Sleep
	// Exit ends the thread.
	Exit
)

// Step is a slice's outcome.
type Step struct {
	Action Action
	For    time.Duration
}

// SleepFor is a Step blocking for d.
func SleepFor(d time.Duration) Step { return Step{Action: Sleep, For: d} }

// Body runs one slice of a thread on processor cpu.
type Body func(ctx context.Context, cpu api.CPUID, t *kthread.Thread) Step

// Config configures a Machine. The machine fills in Options.Switcher,
// Options.Poker and Options.Clock when they are nil, and brings every
// processor of the topology online in partition 0.
type Config struct {
	Options disp.Options
	// IdlePoll is the longest a halted processor waits for a poke.
	IdlePoll time.Duration
	// Affinity pins processor goroutines to host CPUs when set.
	Affinity api.Affinity
	// OnSwitch observes every context switch.
	OnSwitch func(cpu api.CPUID, from, to api.ThreadID)
}

// Machine drives a disp.System.
type Machine struct {
	s        *disp.System
	cfg      Config
	start    time.Time
	wake     map[api.CPUID]chan struct{}
	bodies   sync.Map // api.ThreadID -> Body
	running  atomic.Bool
	live     atomic.Int64
	sleepers sync.WaitGroup

	// statistics
	spawned  atomic.Int64
	exited   atomic.Int64
	slices   atomic.Int64
	halts    atomic.Int64
	pokes    atomic.Int64
	switches atomic.Int64
	panics   atomic.Int64
}

var (
	_ api.Switcher = (*Machine)(nil)
	_ api.Poker    = (*Machine)(nil)
	_ api.Clock    = (*Machine)(nil)
)

// New builds the dispatcher and its processors.
func New(cfg Config) (*Machine, error) {
	if cfg.Options.Topology == nil {
		return nil, errors.Wrap(api.ErrInvalidArgument, "machine: topology is required")
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	m := &Machine{cfg: cfg, start: time.Now(), wake: make(map[api.CPUID]chan struct{})}
	opts := cfg.Options
	if opts.Switcher == nil {
		opts.Switcher = m
	}
	if opts.Poker == nil {
		opts.Poker = m
	}
	if opts.Clock == nil {
		opts.Clock = m
	}
	s, err := disp.New(opts)
	if err != nil {
		return nil, err
	}
	m.s = s

	tk := s.LockTopology()
	defer tk.Unlock()
	for _, id := range opts.Topology.Topology().CPUs() {
		if _, err := s.AddCPU(tk, id, 0); err != nil {
			return nil, errors.Wrapf(err, "machine: adding %s", id)
		}
		m.wake[id] = make(chan struct{}, 1)
	}
	s.SetEnqueueHook(m.enqueued)
	klog.V(2).Infof("machine: %d processors, idle poll %s", len(m.wake), cfg.IdlePoll)
	return m, nil
}

// System returns the dispatcher.
func (m *Machine) System() *disp.System { return m.s }

// Now implements api.Clock: nanoseconds since the machine was built, never
// zero.
func (m *Machine) Now() int64 { return int64(time.Since(m.start)) + 1 }

// Switch implements api.Switcher. The processor goroutine picks the new
// thread up from cp.Thread() when the dispatcher returns.
func (m *Machine) Switch(cpu api.CPUID, from, to api.ThreadID) {
	m.switches.Add(1)
	klog.V(4).Infof("machine: %s switch %s -> %s", cpu, from, to)
	if m.cfg.OnSwitch != nil {
		m.cfg.OnSwitch(cpu, from, to)
	}
}

// Poke implements api.Poker. A poke that finds one pending is dropped.
func (m *Machine) Poke(cpu api.CPUID) {
	ch, ok := m.wake[cpu]
	if !ok {
		return
	}
	m.pokes.Add(1)
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enqueued wakes a halted processor for new work: the target itself, or
// for unbound work any halted peer in its partition that can steal it.
func (m *Machine) enqueued(cp *disp.CPU, bound bool) {
	if cp.Halted() {
		m.Poke(cp.ID())
		return
	}
	if bound {
		return
	}
	for _, peer := range cp.Partition().CPUs() {
		if peer != cp && peer.Halted() {
			m.Poke(peer.ID())
			return
		}
	}
}

// Spawn creates a thread running body and makes it runnable.
func (m *Machine) Spawn(spec kthread.Spec, body Body) (*kthread.Thread, error) {
	return m.SpawnWith(spec, body, nil)
}

// SpawnWith is Spawn with prepare called on the new thread before it is
// first queued, so a class can learn about it.
func (m *Machine) SpawnWith(spec kthread.Spec, body Body, prepare func(*kthread.Thread)) (*kthread.Thread, error) {
	if body == nil {
		return nil, errors.Wrap(api.ErrInvalidArgument, "machine: nil body")
	}
	t, err := m.s.NewThread(spec)
	if err != nil {
		return nil, err
	}
	if prepare != nil {
		prepare(t)
	}
	m.bodies.Store(t.ID(), body)
	m.live.Add(1)
	m.spawned.Add(1)
	m.s.SetBackDQ(t, nil)
	return t, nil
}

// Live returns the number of spawned threads that have not exited.
func (m *Machine) Live() int64 { return m.live.Load() }

// Wait blocks until every spawned thread has exited or ctx is done.
func (m *Machine) Wait(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for m.live.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// SetOnline takes processor id offline or brings it back.
func (m *Machine) SetOnline(id api.CPUID, on bool) error {
	cp := m.s.CPU(id)
	if cp == nil {
		return errors.Wrapf(api.ErrNotFound, "machine: processor %s", id)
	}
	tk := m.s.LockTopology()
	defer tk.Unlock()
	if on {
		return m.s.Online(tk, cp)
	}
	return m.s.Offline(tk, cp)
}

// Stats returns basic machine counters.
func (m *Machine) Stats() map[string]int64 {
	return map[string]int64{
		"spawned":  m.spawned.Load(),
		"exited":   m.exited.Load(),
		"live":     m.live.Load(),
		"slices":   m.slices.Load(),
		"halts":    m.halts.Load(),
		"pokes":    m.pokes.Load(),
		"switches": m.switches.Load(),
		"panics":   m.panics.Load(),
	}
}

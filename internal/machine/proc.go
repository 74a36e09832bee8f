// File: internal/machine/proc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One goroutine per processor: run the current thread a slice at a time,
// act on what it asks for and on pending preemptions, idle when there is
// nothing to run.

package machine

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/disp"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Run starts every processor and blocks until ctx is done. Sleeping
// threads whose timers fire after that stay asleep.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.Wrap(api.ErrBusy, "machine: already running")
	}
	defer m.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	for _, cp := range m.s.CPUs() {
		cp.SetIdleHook(func() { m.idleHook(gctx, cp) })
		g.Go(func() error { return m.proc(gctx, cp) })
	}
	err := g.Wait()
	m.sleepers.Wait()
	for _, cp := range m.s.CPUs() {
		cp.SetIdleHook(nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (m *Machine) proc(ctx context.Context, cp *disp.CPU) error {
	if m.cfg.Affinity != nil {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		host := int(cp.ID()) % runtime.NumCPU()
		if err := m.cfg.Affinity.Pin(host); err != nil {
			klog.Warningf("machine: %s not pinned to host cpu %d: %v", cp, host, err)
		} else {
			defer func() { _ = m.cfg.Affinity.Unpin() }()
		}
	}
	klog.V(2).Infof("machine: %s started", cp)
	for ctx.Err() == nil {
		t := cp.Thread()
		if t.IsIdle() {
			if m.s.Idle(ctx, cp) == nil {
				break
			}
			continue
		}
		m.step(ctx, cp, t)
	}
	klog.V(2).Infof("machine: %s stopped", cp)
	return ctx.Err()
}

// step runs one slice of t and carries out its outcome.
func (m *Machine) step(ctx context.Context, cp *disp.CPU, t *kthread.Thread) {
	st := m.slice(ctx, cp, t)
	switch st.Action {
	case Yield:
		m.s.Yield(cp)
	case Sleep:
		m.s.Sleep(cp)
		m.sleep(ctx, t, st.For)
	case Exit:
		m.s.SwtchFromZombie(cp)
		m.bodies.Delete(t.ID())
		if err := m.s.ExitThread(t); err != nil {
			klog.Errorf("machine: releasing %s: %v", t, err)
		}
		m.exited.Add(1)
		m.live.Add(-1)
	default:
		if cp.Runrun() || cp.Kprunrun() {
			m.s.Preempt(cp)
		}
	}
}

// slice runs the body once. A panicking body exits its thread.
func (m *Machine) slice(ctx context.Context, cp *disp.CPU, t *kthread.Thread) (st Step) {
	v, ok := m.bodies.Load(t.ID())
	if !ok {
		klog.Warningf("machine: %s has no body, exiting it", t)
		return Step{Action: Exit}
	}
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			klog.ErrorS(errors.Newf("%v", r), "machine: thread body panicked", "thread", t.ID(), "cpu", cp.ID())
			st = Step{Action: Exit}
		}
	}()
	m.slices.Add(1)
	return v.(Body)(ctx, cp.ID(), t)
}

func (m *Machine) sleep(ctx context.Context, t *kthread.Thread, d time.Duration) {
	m.sleepers.Add(1)
	go func() {
		defer m.sleepers.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			m.s.SetBackDQ(t, nil)
		}
	}()
}

// idleHook parks cp until a poke, the poll interval or shutdown. Work that
// arrived before cp was marked halted would not have poked it, so look
// once more first.
func (m *Machine) idleHook(ctx context.Context, cp *disp.CPU) {
	if cp.Queue().NRunnable() > 0 || m.s.AnyWork(cp) {
		return
	}
	m.halts.Add(1)
	timer := time.NewTimer(m.cfg.IdlePoll)
	defer timer.Stop()
	select {
	case <-m.wake[cp.ID()]:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// File: internal/machine/machine_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package machine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/control"
	"github.com/momentics/hioload-disp/fake"
	"github.com/momentics/hioload-disp/internal/disp"
	"github.com/momentics/hioload-disp/internal/dispq"
	"github.com/momentics/hioload-disp/internal/kthread"
	"github.com/momentics/hioload-disp/internal/lgrp"
)

func newMachine(t *testing.T, ncpu int) (*Machine, *fake.Class) {
	t.Helper()
	ts := fake.NewClass("TS", 59)
	ts.Default = 30
	m, err := New(Config{
		Options: disp.Options{
			Metrics:  control.NewMetrics(),
			Topology: lgrp.Static{T: lgrp.Flat(ncpu)},
			Classes:  []api.SchedClass{ts},
		},
	})
	require.NoError(t, err)
	return m, ts
}

// start runs m until the test ends.
func start(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errc)
	})
}

func wait(t *testing.T, m *Machine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestNewRequiresTopology(t *testing.T) {
	_, err := New(Config{})
	require.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestThreadsRunToCompletion(t *testing.T) {
	m, _ := newMachine(t, 2)
	start(t, m)

	const nthreads, nslices = 6, 5
	var counts [nthreads]atomic.Int32
	for i := 0; i < nthreads; i++ {
		_, err := m.Spawn(kthread.Spec{LastCPU: api.CPUID(i % 2)}, func(context.Context, api.CPUID, *kthread.Thread) Step {
			if counts[i].Add(1) == nslices {
				return Step{Action: Exit}
			}
			return Step{Action: Yield}
		})
		require.NoError(t, err)
	}
	wait(t, m)

	for i := range counts {
		require.EqualValues(t, nslices, counts[i].Load(), "thread %d", i)
	}
	st := m.Stats()
	require.EqualValues(t, nthreads, st["spawned"])
	require.EqualValues(t, nthreads, st["exited"])
	require.EqualValues(t, nthreads*nslices, st["slices"])
	require.Zero(t, m.Live())
	require.Positive(t, st["switches"])
}

func TestBoundThreadStaysOnItsProcessor(t *testing.T) {
	m, _ := newMachine(t, 2)
	start(t, m)

	var mu sync.Mutex
	var seen []api.CPUID
	n := 0
	_, err := m.Spawn(kthread.Spec{LastCPU: 0, Bound: true, BoundCPU: 1}, func(_ context.Context, cpu api.CPUID, _ *kthread.Thread) Step {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, cpu)
		if n++; n == 20 {
			return Step{Action: Exit}
		}
		return Step{Action: Yield}
	})
	require.NoError(t, err)
	wait(t, m)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 20)
	for _, cpu := range seen {
		require.Equal(t, api.CPUID(1), cpu)
	}
}

func TestSleepingThreadWakes(t *testing.T) {
	m, _ := newMachine(t, 2)
	start(t, m)

	var slept atomic.Bool
	_, err := m.Spawn(kthread.Spec{}, func(context.Context, api.CPUID, *kthread.Thread) Step {
		if slept.CompareAndSwap(false, true) {
			return SleepFor(5 * time.Millisecond)
		}
		return Step{Action: Exit}
	})
	require.NoError(t, err)
	wait(t, m)
	require.EqualValues(t, 2, m.Stats()["slices"])
}

func TestPreemptedByHigherPriority(t *testing.T) {
	m, ts := newMachine(t, 1)
	start(t, m)

	release := make(chan struct{})
	var hiRan atomic.Bool
	var loSawHi atomic.Bool
	lo, err := m.s.NewThread(kthread.Spec{})
	require.NoError(t, err)
	ts.SetPri(lo.ID(), 10)
	m.bodies.Store(lo.ID(), Body(func(context.Context, api.CPUID, *kthread.Thread) Step {
		select {
		case <-release:
			loSawHi.Store(hiRan.Load())
			return Step{Action: Exit}
		default:
			return Step{Action: Continue}
		}
	}))
	m.live.Add(1)
	m.s.SetBackDQ(lo, nil)

	hi, err := m.s.NewThread(kthread.Spec{})
	require.NoError(t, err)
	ts.SetPri(hi.ID(), 50)
	m.bodies.Store(hi.ID(), Body(func(context.Context, api.CPUID, *kthread.Thread) Step {
		hiRan.Store(true)
		close(release)
		return Step{Action: Exit}
	}))
	m.live.Add(1)
	m.s.SetBackDQ(hi, nil)

	wait(t, m)
	require.True(t, loSawHi.Load())
}

func TestPanickingBodyExitsThread(t *testing.T) {
	m, _ := newMachine(t, 2)
	start(t, m)
	_, err := m.Spawn(kthread.Spec{}, func(context.Context, api.CPUID, *kthread.Thread) Step {
		panic("boom")
	})
	require.NoError(t, err)
	wait(t, m)
	require.EqualValues(t, 1, m.Stats()["panics"])
	require.EqualValues(t, 1, m.Stats()["exited"])
}

func TestPokeNeverBlocks(t *testing.T) {
	m, _ := newMachine(t, 2)
	m.Poke(0)
	m.Poke(0)
	m.Poke(7)
	require.EqualValues(t, 2, m.Stats()["pokes"])
	require.Len(t, m.wake[0], 1)
}

func TestRunTwiceIsBusy(t *testing.T) {
	m, _ := newMachine(t, 1)
	start(t, m)
	require.Eventually(t, m.running.Load, 5*time.Second, time.Millisecond)
	err := m.Run(context.Background())
	require.True(t, errors.Is(err, api.ErrBusy))
}

func TestSetOnline(t *testing.T) {
	m, _ := newMachine(t, 2)
	require.NoError(t, m.SetOnline(1, false))
	require.True(t, m.s.CPU(1).Offline())
	require.NoError(t, m.SetOnline(1, true))
	require.False(t, m.s.CPU(1).Offline())
	require.True(t, errors.Is(m.SetOnline(9, true), api.ErrNotFound))
}

func TestNilBody(t *testing.T) {
	m, _ := newMachine(t, 1)
	_, err := m.Spawn(kthread.Spec{}, nil)
	require.True(t, errors.Is(err, api.ErrInvalidArgument))
}

type pinRecorder struct {
	mu      sync.Mutex
	pinned  []int
	unpins  int
	failFor int
}

func (p *pinRecorder) Pin(host int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned = append(p.pinned, host)
	if len(p.pinned) == p.failFor {
		return api.ErrNotSupported
	}
	return nil
}

func (p *pinRecorder) Unpin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpins++
	return nil
}

func TestProcessorsArePinned(t *testing.T) {
	pins := &pinRecorder{failFor: 2}
	m, err := New(Config{
		Options: disp.Options{
			Topology: lgrp.Static{T: lgrp.Flat(2)},
			Classes:  []api.SchedClass{fake.NewClass("TS", 59)},
		},
		Affinity: pins,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	require.Eventually(t, func() bool {
		pins.mu.Lock()
		defer pins.mu.Unlock()
		return len(pins.pinned) == 2
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	pins.mu.Lock()
	defer pins.mu.Unlock()
	// the processor whose pin failed has nothing to undo
	require.Equal(t, 1, pins.unpins)
}

func TestQueuesStayConsistentUnderLoad(t *testing.T) {
	const ncpu, nthreads = 4, 40
	m, ts := newMachine(t, ncpu)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	for i := 0; i < nthreads; i++ {
		n := 0
		_, err := m.SpawnWith(kthread.Spec{LastCPU: api.CPUID(i % ncpu)}, func(context.Context, api.CPUID, *kthread.Thread) Step {
			switch n++; n % 4 {
			case 0:
				return SleepFor(time.Duration(i%3) * time.Millisecond)
			case 1:
				return Step{Action: Continue}
			default:
				return Step{Action: Yield}
			}
		}, func(th *kthread.Thread) { ts.SetPri(th.ID(), api.Pri(10+i%40)) })
		require.NoError(t, err)
	}
	slicesAtLeast := func(n int64) {
		require.Eventually(t, func() bool { return m.Stats()["slices"] >= n }, 20*time.Second, time.Millisecond)
	}
	slicesAtLeast(2000)

	s := m.System()
	tk := s.LockTopology()
	_, err := s.AddClass(tk, fake.NewClass("RT", 120))
	tk.Unlock()
	require.NoError(t, err)
	require.Equal(t, 131, s.NGlobPris())

	slicesAtLeast(m.Stats()["slices"] + 2000)
	cancel()
	require.NoError(t, <-errc)

	require.NoError(t, s.CheckInvariants())
	queued := make(map[api.ThreadID]int)
	count := func(snap dispq.Snapshot) {
		for _, ids := range snap.Levels {
			for _, id := range ids {
				queued[id]++
			}
		}
	}
	for _, cp := range s.CPUs() {
		require.Equal(t, 131, cp.Queue().NPri())
		count(cp.Queue().Snapshot())
	}
	for _, p := range s.Partitions() {
		count(p.KPQ().Snapshot())
	}
	live := 0
	s.Threads().Range(func(th *kthread.Thread) bool {
		if th.IsIdle() {
			return true
		}
		live++
		if th.State() == kthread.Run && th.Has(kthread.Loaded) {
			require.Equal(t, 1, queued[th.ID()], "%s", th)
		} else {
			require.Zero(t, queued[th.ID()], "%s", th)
		}
		return true
	})
	require.Equal(t, nthreads, live)
}

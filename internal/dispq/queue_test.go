// File: internal/dispq/queue_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispq

import (
	"testing"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/kthread"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tb *kthread.Table
	q  *Queue
}

func newFixture(t *testing.T, npri int) *fixture {
	t.Helper()
	tb := kthread.NewTable(64)
	return &fixture{tb: tb, q: New(tb, 0, npri)}
}

func (f *fixture) thread(t *testing.T, bound bool) *kthread.Thread {
	t.Helper()
	th, err := f.tb.Alloc(kthread.Spec{LastCPU: 0, Bound: bound, BoundCPU: 0})
	require.NoError(t, err)
	return th
}

func (f *fixture) insert(t *testing.T, th *kthread.Thread, pri api.Pri, front bool) bool {
	t.Helper()
	f.q.Lock()
	defer f.q.Unlock()
	newMax, _ := f.q.Insert(th, pri, front, th.Bound())
	th.SetState(kthread.Run)
	return newMax
}

func (f *fixture) take(t *testing.T) *kthread.Thread {
	t.Helper()
	f.q.Lock()
	defer f.q.Unlock()
	return f.q.TakeHead()
}

func TestQueueFIFOWithinLevel(t *testing.T) {
	f := newFixture(t, 60)
	a, b := f.thread(t, false), f.thread(t, false)
	require.True(t, f.insert(t, a, 10, false))
	require.False(t, f.insert(t, b, 10, false))
	require.NoError(t, f.q.CheckInvariants())

	require.Equal(t, a.ID(), f.take(t).ID())
	require.Equal(t, b.ID(), f.take(t).ID())
	require.Equal(t, api.NoPri, f.q.MaxRunPri())
	require.Equal(t, api.NoPri, f.q.MaxUnboundPri())
	require.NoError(t, f.q.CheckInvariants())
}

func TestQueueFrontInsertIsLIFO(t *testing.T) {
	f := newFixture(t, 60)
	a, b := f.thread(t, false), f.thread(t, false)
	f.insert(t, a, 10, false)
	f.insert(t, b, 10, true)

	require.Equal(t, b.ID(), f.take(t).ID())
	require.Equal(t, a.ID(), f.take(t).ID())
}

func TestQueueMaxima(t *testing.T) {
	f := newFixture(t, 100)
	lo, hi, bound := f.thread(t, false), f.thread(t, false), f.thread(t, true)

	require.True(t, f.insert(t, lo, 5, false))
	require.True(t, f.insert(t, bound, 90, false))
	require.Equal(t, api.Pri(90), f.q.MaxRunPri())
	require.Equal(t, api.Pri(5), f.q.MaxUnboundPri())

	require.False(t, f.insert(t, hi, 40, false))
	require.Equal(t, api.Pri(40), f.q.MaxUnboundPri())
	require.Equal(t, 3, f.q.NRunnable())

	require.Equal(t, bound.ID(), f.take(t).ID())
	require.Equal(t, api.Pri(40), f.q.MaxRunPri())
	require.NoError(t, f.q.CheckInvariants())

	f.q.Lock()
	require.True(t, f.q.Remove(hi))
	f.q.Unlock()
	require.Equal(t, api.Pri(5), f.q.MaxRunPri())
	require.Equal(t, api.Pri(5), f.q.MaxUnboundPri())
	require.NoError(t, f.q.CheckInvariants())
}

func TestQueueRemoveMiddleAndTail(t *testing.T) {
	f := newFixture(t, 60)
	ths := []*kthread.Thread{f.thread(t, false), f.thread(t, false), f.thread(t, false), f.thread(t, false)}
	for _, th := range ths {
		f.insert(t, th, 20, false)
	}

	f.q.Lock()
	require.True(t, f.q.Remove(ths[1]))
	require.True(t, f.q.Remove(ths[3]))
	require.False(t, f.q.Remove(ths[3]))
	f.q.Unlock()
	require.NoError(t, f.q.CheckInvariants())

	s := f.q.Snapshot()
	require.Equal(t, []api.ThreadID{ths[0].ID(), ths[2].ID()}, s.Levels[20])

	// the tail must have moved back so appends land after ths[2]
	extra := f.thread(t, false)
	f.insert(t, extra, 20, false)
	s = f.q.Snapshot()
	require.Equal(t, []api.ThreadID{ths[0].ID(), ths[2].ID(), extra.ID()}, s.Levels[20])
	require.NoError(t, f.q.CheckInvariants())
}

func TestQueueRemoveNotQueued(t *testing.T) {
	f := newFixture(t, 60)
	th := f.thread(t, false)
	f.q.Lock()
	defer f.q.Unlock()
	require.False(t, f.q.Remove(th))
}

func TestQueueFixUnboundPri(t *testing.T) {
	f := newFixture(t, 60)
	b1, b2, u := f.thread(t, true), f.thread(t, true), f.thread(t, false)
	f.insert(t, u, 7, false)
	f.insert(t, b1, 30, false)
	f.insert(t, b2, 20, false)

	f.q.Lock()
	f.q.RaiseUnboundPri(30)
	require.Equal(t, api.Pri(30), f.q.MaxUnboundPri())
	f.q.FixUnboundPri(30)
	f.q.Unlock()
	require.Equal(t, api.Pri(7), f.q.MaxUnboundPri())

	f.q.Lock()
	require.True(t, f.q.Remove(u))
	f.q.FixUnboundPri(f.q.MaxRunPri())
	f.q.Unlock()
	require.Equal(t, api.NoPri, f.q.MaxUnboundPri())
}

func TestQueueTakeFirstSkips(t *testing.T) {
	f := newFixture(t, 60)
	b, u := f.thread(t, true), f.thread(t, false)
	f.insert(t, b, 12, false)
	f.insert(t, u, 12, false)

	f.q.Lock()
	got := f.q.TakeFirst(12, func(th *kthread.Thread) bool { return !th.Bound() })
	f.q.Unlock()
	require.Equal(t, u.ID(), got.ID())
	require.NoError(t, f.q.CheckInvariants())
}

func TestQueueStealWatermark(t *testing.T) {
	f := newFixture(t, 60)
	f.q.NoteStealable(500)
	f.q.NoteStealable(900)
	require.Equal(t, int64(500), f.q.Steal())
	f.q.NoteStealable(200)
	require.Equal(t, int64(200), f.q.Steal())

	// an unbound enqueue invalidates it
	f.insert(t, f.thread(t, false), 3, false)
	require.Zero(t, f.q.Steal())
}

func TestQueueSwapPreservesOrder(t *testing.T) {
	const n = 40
	f := newFixture(t, n)
	var want = map[api.Pri][]api.ThreadID{}
	for i := 0; i < 12; i++ {
		th := f.thread(t, false)
		pri := api.Pri(i % 4 * 10)
		f.insert(t, th, pri, false)
		want[pri] = append(want[pri], th.ID())
	}

	old := f.q.Swap(NewLevels(n + 5))
	require.Equal(t, n, old.Len())
	require.Equal(t, n+5, f.q.NPri())
	require.Equal(t, want, f.q.Snapshot().Levels)
	require.NoError(t, f.q.CheckInvariants())

	top := f.thread(t, false)
	require.True(t, f.insert(t, top, n+4, false))
	require.Equal(t, top.ID(), f.take(t).ID())
	require.Equal(t, want, f.q.Snapshot().Levels)
}

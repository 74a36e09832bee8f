// File: internal/dispq/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatch queue: one FIFO per priority level, linked through thread arena
// indices, plus the active-level bitmap. The queue holds no policy. All
// mutators require the queue lock; the maxima, the runnable count and the
// steal watermark may be read without it and must be re-validated under it.

package dispq

import (
	"sync/atomic"

	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/concurrency"
	"github.com/momentics/hioload-disp/internal/kthread"
)

type level struct {
	head, tail api.ThreadID
	count      int32
}

// Levels is the storage swapped in and out by a resize.
type Levels struct {
	q      []level
	active PriMap
}

// NewLevels allocates empty storage for n priority levels.
func NewLevels(n int) *Levels {
	l := &Levels{q: make([]level, n), active: NewPriMap(n)}
	for i := range l.q {
		l.q[i] = level{head: api.NoThread, tail: api.NoThread}
	}
	return l
}

// Len returns the number of priority levels.
func (l *Levels) Len() int { return len(l.q) }

// Queue is a dispatch queue.
type Queue struct {
	lock concurrency.SpinLock

	threads *kthread.Table
	cpu     api.CPUID
	lv      *Levels

	maxRunPri     atomic.Int32
	maxUnboundPri atomic.Int32
	nrunnable     atomic.Int32
	steal         atomic.Int64
}

// New returns an empty queue with npri levels owned by cpu (api.NoCPU for a
// partition kp queue).
func New(threads *kthread.Table, cpu api.CPUID, npri int) *Queue {
	q := &Queue{threads: threads, cpu: cpu, lv: NewLevels(npri)}
	q.maxRunPri.Store(int32(api.NoPri))
	q.maxUnboundPri.Store(int32(api.NoPri))
	return q
}

func (q *Queue) Lock()         { q.lock.Lock() }
func (q *Queue) Unlock()       { q.lock.Unlock() }
func (q *Queue) TryLock() bool { return q.lock.TryLock() }

// OwnerCPU implements kthread.Owner.
func (q *Queue) OwnerCPU() api.CPUID { return q.cpu }

// NPri returns the number of priority levels.
func (q *Queue) NPri() int { return q.lv.Len() }

func (q *Queue) MaxRunPri() api.Pri { return api.Pri(q.maxRunPri.Load()) }

func (q *Queue) MaxUnboundPri() api.Pri { return api.Pri(q.maxUnboundPri.Load()) }

func (q *Queue) NRunnable() int { return int(q.nrunnable.Load()) }

// Steal returns the time at which some thread on the queue becomes
// stealable, 0 if unknown.
func (q *Queue) Steal() int64 { return q.steal.Load() }

// ResetSteal clears the anti-thrash watermark.
func (q *Queue) ResetSteal() { q.steal.Store(0) }

// NoteStealable lowers the watermark to at.
func (q *Queue) NoteStealable(at int64) {
	if cur := q.steal.Load(); cur == 0 || at < cur {
		q.steal.Store(at)
	}
}

// Insert links t at level pri, at the tail, or at the head when front is
// set, and marks it runnable. It reports whether the level was empty and
// pri is now above the previous maximum, and returns the unbound maximum
// before the insert.
func (q *Queue) Insert(t *kthread.Thread, pri api.Pri, front, bound bool) (newMax bool, prevUnbound api.Pri) {
	lv := &q.lv.q[pri]
	id := t.ID()
	if lv.count == 0 {
		lv.head, lv.tail = id, id
		t.SetLink(api.NoThread)
		q.lv.active.Set(pri)
		if pri > q.MaxRunPri() {
			q.maxRunPri.Store(int32(pri))
			newMax = true
		}
	} else if front {
		t.SetLink(lv.head)
		lv.head = id
	} else {
		q.threads.Get(lv.tail).SetLink(id)
		t.SetLink(api.NoThread)
		lv.tail = id
	}
	lv.count++
	q.nrunnable.Add(1)
	t.SetQueuedPri(pri)
	t.SetDispQ(q)
	t.SetState(kthread.Run)

	prevUnbound = q.MaxUnboundPri()
	if !bound {
		if pri > prevUnbound {
			q.maxUnboundPri.Store(int32(pri))
		}
		q.steal.Store(0)
	}
	return newMax, prevUnbound
}

// LevelLen returns the number of threads at level pri. Caller holds the
// lock.
func (q *Queue) LevelLen(pri api.Pri) int {
	if pri < 0 || int(pri) >= len(q.lv.q) {
		return 0
	}
	return int(q.lv.q[pri].count)
}

// TakeHead unlinks the head of the highest occupied level. The queue must
// not be empty.
func (q *Queue) TakeHead() *kthread.Thread {
	pri := q.MaxRunPri()
	lv := &q.lv.q[pri]
	t := q.threads.Get(lv.head)
	q.unlink(t, pri, api.NoThread)
	return t
}

// Remove unlinks t from its level and puts it in transition. It returns
// false if t is not on this queue at the level it was enqueued at.
func (q *Queue) Remove(t *kthread.Thread) bool {
	pri := t.QueuedPri()
	if pri < 0 || int(pri) >= len(q.lv.q) {
		return false
	}
	prev := api.NoThread
	for cur := q.lv.q[pri].head; cur != t.ID(); {
		if cur == api.NoThread {
			return false
		}
		prev = cur
		cur = q.threads.Get(cur).Link()
	}
	q.unlink(t, pri, prev)
	return true
}

// TakeFirst unlinks and returns the first thread at level pri for which
// take returns true, or nil.
func (q *Queue) TakeFirst(pri api.Pri, take func(t *kthread.Thread) bool) *kthread.Thread {
	prev := api.NoThread
	for cur := q.lv.q[pri].head; cur != api.NoThread; {
		t := q.threads.Get(cur)
		if take(t) {
			q.unlink(t, pri, prev)
			return t
		}
		prev = cur
		cur = t.Link()
	}
	return nil
}

// Each calls fn for every thread at level pri, head first, until fn
// returns false.
func (q *Queue) Each(pri api.Pri, fn func(t *kthread.Thread) bool) {
	for cur := q.lv.q[pri].head; cur != api.NoThread; {
		t := q.threads.Get(cur)
		next := t.Link()
		if !fn(t) {
			return
		}
		cur = next
	}
}

func (q *Queue) unlink(t *kthread.Thread, pri api.Pri, prev api.ThreadID) {
	lv := &q.lv.q[pri]
	next := t.Link()
	if prev == api.NoThread {
		lv.head = next
	} else {
		q.threads.Get(prev).SetLink(next)
	}
	if lv.tail == t.ID() {
		lv.tail = prev
	}
	lv.count--
	t.SetLink(api.NoThread)
	t.SetQueuedPri(api.NoPri)
	t.SetState(kthread.Transition)
	n := q.nrunnable.Add(-1)

	if lv.count != 0 {
		return
	}
	q.lv.active.Clear(pri)
	if n == 0 {
		q.maxUnboundPri.Store(int32(api.NoPri))
		q.maxRunPri.Store(int32(api.NoPri))
		return
	}
	if pri != q.MaxRunPri() {
		return
	}
	hi := q.lv.active.HighestBelow(pri)
	q.maxRunPri.Store(int32(hi))
	if hi < q.MaxUnboundPri() {
		q.maxUnboundPri.Store(int32(hi))
	}
}

// FixUnboundPri lowers a stale unbound maximum: it scans down from pri for
// the highest level holding an unbound thread.
func (q *Queue) FixUnboundPri(pri api.Pri) {
	for pri = q.lv.active.HighestAtOrBelow(pri); pri >= 0; pri = q.lv.active.HighestBelow(pri) {
		unbound := false
		q.Each(pri, func(t *kthread.Thread) bool {
			unbound = !t.Bound()
			return !unbound
		})
		if unbound {
			break
		}
	}
	q.maxUnboundPri.Store(int32(pri))
}

// RaiseUnboundPri records that an unbound thread now sits at pri.
func (q *Queue) RaiseUnboundPri(pri api.Pri) {
	if pri > q.MaxUnboundPri() {
		q.maxUnboundPri.Store(int32(pri))
	}
}

// Swap installs nl, which must be at least as large as the current
// storage, copying every level over, and returns the old storage. All
// processors must be paused.
func (q *Queue) Swap(nl *Levels) *Levels {
	old := q.lv
	copy(nl.q, old.q)
	copy(nl.active.words, old.active.words)
	q.lv = nl
	return old
}

// File: internal/dispq/check.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispq

import (
	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/momentics/hioload-disp/internal/kthread"
)

// Snapshot is a point-in-time copy of a queue taken under its lock.
type Snapshot struct {
	CPU           api.CPUID
	MaxRunPri     api.Pri
	MaxUnboundPri api.Pri
	NRunnable     int
	Steal         int64
	// Levels maps each occupied level to its threads, head first.
	Levels map[api.Pri][]api.ThreadID
}

// Snapshot copies the queue under its lock.
func (q *Queue) Snapshot() Snapshot {
	q.Lock()
	defer q.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Snapshot {
	s := Snapshot{
		CPU:           q.cpu,
		MaxRunPri:     q.MaxRunPri(),
		MaxUnboundPri: q.MaxUnboundPri(),
		NRunnable:     q.NRunnable(),
		Steal:         q.Steal(),
		Levels:        make(map[api.Pri][]api.ThreadID),
	}
	for p := range q.lv.q {
		pri := api.Pri(p)
		q.Each(pri, func(t *kthread.Thread) bool {
			s.Levels[pri] = append(s.Levels[pri], t.ID())
			return true
		})
	}
	return s
}

// CheckInvariants verifies the queue bookkeeping under its lock.
func (q *Queue) CheckInvariants() error {
	q.Lock()
	defer q.Unlock()

	total := 0
	highest := api.NoPri
	for p := range q.lv.q {
		pri := api.Pri(p)
		lv := &q.lv.q[p]
		n := int32(0)
		last := api.NoThread
		for cur := lv.head; cur != api.NoThread; cur = q.threads.Get(cur).Link() {
			t := q.threads.Get(cur)
			if t.DispQ() != kthread.Owner(q) {
				return errors.AssertionFailedf("%s at level %d claims another queue", cur, pri)
			}
			if t.QueuedPri() != pri {
				return errors.AssertionFailedf("%s at level %d recorded level %d", cur, pri, t.QueuedPri())
			}
			last = cur
			n++
			if int(n) > q.threads.Cap() {
				return errors.AssertionFailedf("cycle at level %d", pri)
			}
		}
		if n != lv.count {
			return errors.AssertionFailedf("level %d count %d, linked %d", pri, lv.count, n)
		}
		if last != lv.tail {
			return errors.AssertionFailedf("level %d tail %s, last linked %s", pri, lv.tail, last)
		}
		if (n != 0) != q.lv.active.IsSet(pri) {
			return errors.AssertionFailedf("level %d bitmap disagrees with count %d", pri, n)
		}
		if n != 0 {
			highest = pri
		}
		total += int(n)
	}
	if got := q.MaxRunPri(); got != highest {
		return errors.AssertionFailedf("maxrunpri %d, highest occupied %d", got, highest)
	}
	if got := q.MaxUnboundPri(); got > highest {
		return errors.AssertionFailedf("max unbound pri %d above maxrunpri %d", got, highest)
	}
	if total != q.NRunnable() {
		return errors.AssertionFailedf("nrunnable %d, linked %d", q.NRunnable(), total)
	}
	return nil
}

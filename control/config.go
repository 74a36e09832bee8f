// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Tunable store with atomic snapshots and hot-reload propagation.

package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/momentics/hioload-disp/api"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Tunables are the dispatcher parameters an operator may change at run time.
type Tunables struct {
	// LockLevel is the number of interrupt priority levels above the highest
	// class priority.
	LockLevel int32 `yaml:"lock_level"`
	// MaxSysPri is the highest system class priority. Kernel preemption
	// starts right above it.
	MaxSysPri api.Pri `yaml:"max_sys_pri"`
	// KpqPri is the priority at or above which unbound threads go to the
	// partition kp queue. -1 follows the kernel preemption priority.
	KpqPri api.Pri `yaml:"kpq_pri"`
	// UPreemptPri is the lowest priority that requests user preemption.
	UPreemptPri api.Pri `yaml:"upreempt_pri"`
	// OnlyIntrKpreempt restricts kernel preemption to interrupt priorities.
	OnlyIntrKpreempt bool `yaml:"only_intr_kpreempt"`
	// Tick is the clock tick length.
	Tick time.Duration `yaml:"tick"`
	// RechooseTicks is how many ticks a thread stays cache-warm after it ran.
	RechooseTicks int `yaml:"rechoose_ticks"`
	// NoSteal is the minimum time a thread sits on a queue before a peer may
	// steal it. Zero disables the protection.
	NoSteal time.Duration `yaml:"nosteal"`
	// RunqMatchPri is the priority below which run queue lengths must match.
	RunqMatchPri api.Pri `yaml:"runq_match_pri"`
	// RunqMaxDiff is the tolerated run queue length difference above it.
	RunqMaxDiff int `yaml:"runq_max_diff"`
	// MaxPriorities bounds the dispatch queue size.
	MaxPriorities int `yaml:"max_priorities"`
}

// DefaultTunables returns the stock parameters.
func DefaultTunables() Tunables {
	return Tunables{
		LockLevel:     10,
		MaxSysPri:     99,
		KpqPri:        -1,
		UPreemptPri:   0,
		Tick:          10 * time.Millisecond,
		RechooseTicks: 3,
		NoSteal:       100 * time.Microsecond,
		RunqMatchPri:  16,
		RunqMaxDiff:   2,
		MaxPriorities: 1024,
	}
}

// Validate rejects inconsistent parameters.
func (t Tunables) Validate() error {
	switch {
	case t.LockLevel < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "lock_level %d", t.LockLevel)
	case t.MaxSysPri < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "max_sys_pri %d", t.MaxSysPri)
	case t.KpqPri < -1:
		return errors.Wrapf(api.ErrInvalidArgument, "kpq_pri %d", t.KpqPri)
	case t.Tick <= 0:
		return errors.Wrapf(api.ErrInvalidArgument, "tick %s", t.Tick)
	case t.RechooseTicks < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "rechoose_ticks %d", t.RechooseTicks)
	case t.NoSteal < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "nosteal %s", t.NoSteal)
	case t.RunqMaxDiff < 0:
		return errors.Wrapf(api.ErrInvalidArgument, "runq_max_diff %d", t.RunqMaxDiff)
	case t.MaxPriorities <= int(t.MaxSysPri)+1+int(t.LockLevel):
		return errors.Wrapf(api.ErrInvalidArgument,
			"max_priorities %d cannot hold system priorities", t.MaxPriorities)
	}
	return nil
}

// RechooseInterval is how long a thread keeps affinity for its last CPU.
func (t Tunables) RechooseInterval() time.Duration {
	return time.Duration(t.RechooseTicks) * t.Tick
}

// TunableStore holds the current tunables. Reads are lock-free.
type TunableStore struct {
	cur atomic.Pointer[Tunables]

	mu        sync.Mutex
	listeners []func(Tunables)
}

// NewTunableStore returns a store holding t. Invalid tunables are replaced by
// the defaults.
func NewTunableStore(t Tunables) *TunableStore {
	if t.Validate() != nil {
		t = DefaultTunables()
	}
	ts := &TunableStore{}
	ts.cur.Store(&t)
	return ts
}

// Get returns the current snapshot.
func (ts *TunableStore) Get() Tunables { return *ts.cur.Load() }

// Set validates and publishes t, then notifies the reload listeners in
// registration order.
func (ts *TunableStore) Set(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.cur.Store(&t)
	for _, fn := range ts.listeners {
		fn(t)
	}
	return nil
}

// Update applies fn to a copy of the current tunables and publishes it.
func (ts *TunableStore) Update(fn func(*Tunables)) error {
	t := ts.Get()
	fn(&t)
	return ts.Set(t)
}

// OnReload registers a listener called after each successful Set.
func (ts *TunableStore) OnReload(fn func(Tunables)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.listeners = append(ts.listeners, fn)
}

// LoadFile overlays the YAML document at path on the current tunables.
// Keys missing from the file keep their values.
func (ts *TunableStore) LoadFile(fs afero.Fs, path string) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "read tunables %s", path)
	}
	t := ts.Get()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return errors.Wrapf(err, "parse tunables %s", path)
	}
	if err := ts.Set(t); err != nil {
		return errors.Wrapf(err, "tunables %s", path)
	}
	return nil
}

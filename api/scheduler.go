// Package api
// Author: momentics
//
// Scheduling-class contract consumed by the dispatcher.

package api

// SchedClass computes dispatch priorities for the threads it owns. The
// dispatcher only reads from it.
type SchedClass interface {
	// Name identifies the class, e.g. "TS" or "SYS".
	Name() string

	// MaxGlobalPri is the highest global priority the class may hand out.
	MaxGlobalPri() Pri

	// DispPri returns the current dispatch priority of t.
	DispPri(t ThreadID) Pri

	// Preempt is called when t gives up its processor involuntarily. It
	// returns true when t should go to the front of its level.
	Preempt(t ThreadID) (front bool)
}

// SystemClass is implemented by classes whose threads are kernel system
// threads. Transient system threads may always be stolen.
type SystemClass interface {
	IsSystem() bool
}

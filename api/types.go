// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared identifiers and constants used across the dispatcher packages.

package api

import (
	"strconv"

	"github.com/cockroachdb/redact"
)

// CPUID identifies a processor in the kernel CPU table.
type CPUID int32

// ThreadID indexes a thread slot in the thread arena.
type ThreadID int32

// LgrpID identifies a locality group.
type LgrpID int32

// PartID identifies a CPU partition.
type PartID int32

// Pri is a global dispatch priority. Higher runs first.
type Pri int32

const (
	// NoCPU marks an absent processor reference.
	NoCPU CPUID = -1
	// NoThread terminates intrusive run queue links.
	NoThread ThreadID = -1
	// RootLgrp is the locality group spanning the whole machine.
	RootLgrp LgrpID = 0
	// NoPri is the priority of an empty queue or an idle processor.
	NoPri Pri = -1
)

var (
	_ redact.SafeValue = CPUID(0)
	_ redact.SafeValue = ThreadID(0)
	_ redact.SafeValue = LgrpID(0)
	_ redact.SafeValue = PartID(0)
	_ redact.SafeValue = Pri(0)
)

// SafeValue marks CPUID as safe to print in redacted diagnostics.
func (CPUID) SafeValue() {}

// SafeValue marks ThreadID as safe to print in redacted diagnostics.
func (ThreadID) SafeValue() {}

// SafeValue marks LgrpID as safe to print in redacted diagnostics.
func (LgrpID) SafeValue() {}

// SafeValue marks PartID as safe to print in redacted diagnostics.
func (PartID) SafeValue() {}

// SafeValue marks Pri as safe to print in redacted diagnostics.
func (Pri) SafeValue() {}

func (c CPUID) String() string {
	if c == NoCPU {
		return "cpu:none"
	}
	return "cpu" + strconv.Itoa(int(c))
}

func (t ThreadID) String() string {
	if t == NoThread {
		return "t:none"
	}
	return "t" + strconv.Itoa(int(t))
}

func (l LgrpID) String() string {
	return "lgrp" + strconv.Itoa(int(l))
}

// StealSignal is the outcome of a work-stealing attempt.
type StealSignal int

const (
	// StealNone means no peer had stealable work.
	StealNone StealSignal = iota
	// StealFound means a thread was taken and is ready to run.
	StealFound
	// StealDeferred means work exists but is still inside the anti-thrash window.
	StealDeferred
	// StealLocalAvail means work appeared on the caller's own queue.
	StealLocalAvail
)

func (s StealSignal) String() string {
	switch s {
	case StealFound:
		return "found"
	case StealDeferred:
		return "deferred"
	case StealLocalAvail:
		return "local-avail"
	default:
		return "none"
	}
}

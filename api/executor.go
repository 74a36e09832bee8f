// Package api
// Author: momentics
//
// Machine-dependent seams: context switch, cross-processor interrupt, clock.

package api

// Switcher makes a thread the one physically executing on a processor.
// It is invoked exactly once per dispatch decision that changes the thread.
type Switcher interface {
	Switch(cpu CPUID, from, to ThreadID)
}

// Poker delivers a cross-processor interrupt so the target notices its
// preemption flags promptly.
type Poker interface {
	Poke(cpu CPUID)
}

// Clock returns monotonic time in nanoseconds.
type Clock interface {
	Now() int64
}

// SwapperWaker is signalled when a non-resident thread becomes runnable.
// urgent asks for the swapper to run on the next tick.
type SwapperWaker interface {
	WakeSwapper(urgent bool)
}

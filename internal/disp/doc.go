// File: internal/disp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package disp is the multiprocessor dispatcher: per-processor and
// per-partition priority queues, the dispatch decision, work stealing,
// locality-aware processor selection, the idle loop and preemption
// signalling.
//
// Dispatcher code never blocks. Queue locks spin; the only
// stop-the-world point is a queue resize or a topology change, which
// pauses every in-flight operation through a PauseGate.
package disp

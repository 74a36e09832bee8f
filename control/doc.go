// Package control
// Author: momentics <momentics@gmail.com>
//
// Dispatcher tunables, runtime metrics and debug introspection.
//
// Provides concurrent-safe state handling primitives including:
//   - Immutable tunable snapshots with atomic replacement and reload listeners
//   - YAML tunable files read through an afero filesystem
//   - Prometheus counters for dispatcher events
//   - State export and debug probe registration
package control

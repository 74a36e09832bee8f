// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking synchronization used by the dispatcher: a cache-line padded
// spin lock that never parks, and the stop-the-world gate used when queue
// storage is resized.
package concurrency

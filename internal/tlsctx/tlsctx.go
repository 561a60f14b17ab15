// Package tlsctx implements ThreadContext: the thread-local handle to the
// current driver that operation constructors consult.
//
// Go goroutines can migrate between OS threads unless pinned, so "thread
// local" is implemented against the real OS thread id (via
// golang.org/x/sys/unix.Gettid), combined with runtime.LockOSThread so the
// goroutine running inside a scope cannot be moved off that thread for the
// scope's duration. This mirrors the driver's scheduling model: a driver
// instance is created on, used by, and dropped on a single OS thread.
package tlsctx

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iodriver/internal/driverr"
)

var (
	mu  sync.RWMutex
	cur = map[int]any{}
)

// With installs driver as the current driver for this OS thread for the
// duration of fn, then restores whatever was installed before (or clears
// the slot if nothing was). Nested calls shadow correctly: entering a scope
// inside a scope replaces the handle only for the inner call.
func With(driver any, fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()

	mu.Lock()
	prev, hadPrev := cur[tid]
	cur[tid] = driver
	mu.Unlock()

	defer func() {
		mu.Lock()
		if hadPrev {
			cur[tid] = prev
		} else {
			delete(cur, tid)
		}
		mu.Unlock()
	}()

	fn()
}

// Current returns the driver installed on this OS thread, if any.
//
// Callers that care about thread stability must already be running inside
// runtime.LockOSThread (With takes care of this for code running inside its
// fn); calling Current from a goroutine that is free to migrate defeats the
// purpose of the lookup.
func Current() (any, bool) {
	tid := unix.Gettid()
	mu.RLock()
	defer mu.RUnlock()
	d, ok := cur[tid]
	return d, ok
}

// MustCurrent returns the driver installed on this OS thread, or panics with
// a MisuseError if none is installed. Operation constructors call this:
// submitting I/O outside a driver scope is a programmer error, not a
// recoverable condition.
func MustCurrent() any {
	d, ok := Current()
	if !ok {
		panic(driverr.Misuse("thread_context", "no driver installed on the current thread; call from inside Driver.With"))
	}
	return d
}

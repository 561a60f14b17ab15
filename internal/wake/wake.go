// Package wake implements CrossThreadWake: the foreign-waker queue and wake
// signal that let a thread other than the driver's owner unpark it.
package wake

import "sync/atomic"

// Waker is the minimal capability a parked task's waker exposes.
type Waker interface {
	Wake()
}

// Signal is the driver-specific mechanism that actually interrupts a blocked
// park call. The completion backend implements it with an eventfd write; the
// readiness backend implements it with the poller's own wake token.
type Signal interface {
	// Notify is called at most as often as needed to guarantee park wakes
	// up; it must be safe to call from any thread.
	Notify() error
}

// CrossThreadWake bridges foreign threads into a single-threaded driver: a
// multi-producer, single-consumer queue of wakers that couldn't be called
// directly because their task's driver thread might be parked, plus an
// "awake" flag so foreigners skip the signal syscall whenever the driver is
// known to already be running.
//
// The awake flag is true whenever the driver is executing user code or
// reaping events, and false only for the narrow window it is actually
// blocked in the kernel wait. This mirrors monoio's EventWaker: a foreigner
// that observes awake=true never needs to touch the signal at all.
type CrossThreadWake struct {
	signal Signal

	mu     chan struct{} // 1-buffered mutex-via-channel guarding queue
	queue  []Waker
	awake  atomic.Bool
}

// New creates a CrossThreadWake bound to the driver's wake signal. awake
// starts true: a driver is considered running from construction until its
// first park call clears it.
func New(signal Signal) *CrossThreadWake {
	w := &CrossThreadWake{
		signal: signal,
		mu:     make(chan struct{}, 1),
	}
	w.mu <- struct{}{}
	w.awake.Store(true)
	return w
}

func (w *CrossThreadWake) lock()   { <-w.mu }
func (w *CrossThreadWake) unlock() { w.mu <- struct{}{} }

// Push enqueues a foreign waker and signals the driver if it might be
// parked. Safe to call from any thread.
func (w *CrossThreadWake) Push(waker Waker) error {
	w.lock()
	w.queue = append(w.queue, waker)
	w.unlock()

	if w.awake.Load() {
		return nil
	}
	return w.signal.Notify()
}

// Drain removes and wakes every queued waker, reporting how many were
// found. Called only from the driver's own thread, both while running and
// as part of the park double-check.
func (w *CrossThreadWake) Drain() int {
	w.lock()
	drained := w.queue
	w.queue = nil
	w.unlock()

	for _, waker := range drained {
		waker.Wake()
	}
	return len(drained)
}

// PrepareToBlock runs the double-check sequence that must precede any
// blocking wait: drain once, flip awake to false, drain again. A foreigner
// that saw awake=true before this call must have pushed its waker before the
// first drain, so the second drain catches it; a foreigner that arrives in
// the window between the flip and the actual wait is guaranteed to observe
// awake=false and therefore to signal, so the wait still returns.
//
// It reports the total number of wakers found across both drains, which
// callers use both to force a zero timeout on the upcoming wait instead of
// blocking, and to record foreign-wake metrics.
func (w *CrossThreadWake) PrepareToBlock() int {
	n := w.Drain()
	w.awake.Store(false)
	return n + w.Drain()
}

// FinishBlock marks the driver as running again, to be called immediately
// after the blocking wait returns, before any Push observes stale state.
func (w *CrossThreadWake) FinishBlock() {
	w.awake.Store(true)
}

// Pending reports whether any foreign waker is currently queued, without
// draining it. Neither backend's park calls it; park decides whether to
// force timeout=0 from the count PrepareToBlock returns.
func (w *CrossThreadWake) Pending() bool {
	w.lock()
	n := len(w.queue)
	w.unlock()
	return n > 0
}

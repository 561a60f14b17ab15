package iodriver

import (
	"runtime"
	"sync"

	"github.com/ehrlich-b/iodriver/internal/driverr"
	"github.com/ehrlich-b/iodriver/internal/logging"
)

// PollResult is what a backend hands back from one poll attempt.
type PollResult struct {
	Ready bool
	Value int32  // non-negative count, meaningful only when Ready
	Flags uint32 // kernel-reported flags, meaningful only when Ready
}

// opBackend is the minimal capability Operation needs from whichever driver
// created it: advance the state machine, or tear the op down early. handle
// is backend-private (a slab index for CompletionDriver, a registration
// token for ReadinessDriver).
type opBackend interface {
	poll(handle any, req Request, waker Waker) (PollResult, error)
	dropOp(handle any, req Request)
}

// opState is the awaitable's own small state machine: {NotPolled, Pending,
// Done}, kept separate from the backend's Lifecycle so Operation never
// needs to know which backend it belongs to.
type opState uint8

const (
	stateNotPolled opState = iota
	statePending
	stateDone
)

// Operation represents one in-flight I/O request from the calling task's
// perspective. It is the awaitable returned by every operation constructor:
// polling it delegates to the owning backend, and dropping it before
// completion triggers that backend's cancellation/ownership-transfer
// policy.
type Operation[T Request] struct {
	mu      sync.Mutex
	state   opState
	backend opBackend
	handle  any
	req     T
	closed  bool
}

func newOperation[T Request](b opBackend, handle any, req T) *Operation[T] {
	op := &Operation[T]{backend: b, handle: handle, req: req}
	runtime.SetFinalizer(op, finalizeOperation[T])
	return op
}

func finalizeOperation[T Request](op *Operation[T]) {
	if op.release() {
		logging.Default().Debug("operation finalized without explicit Close", "kind", op.req.Kind().String())
	}
}

// Poll advances the operation's state machine, delegating to the backend.
// Re-polling after the operation has already reported Ready is a programmer
// error.
func (op *Operation[T]) Poll(waker Waker) (PollResult, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.state == stateDone {
		return PollResult{}, driverr.Misuse("operation.poll", "re-polling a completed operation")
	}

	res, err := op.backend.poll(op.handle, op.req, waker)
	if res.Ready || err != nil {
		op.state = stateDone
	} else {
		op.state = statePending
	}
	return res, err
}

// Payload returns the request value carried by this operation, including
// any buffer it owns. Valid to call at any point in the operation's life.
func (op *Operation[T]) Payload() T {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.req
}

// Close drops the operation. If it completed, this is a no-op. If it is
// still in flight, the backend's drop policy runs: the completion backend
// moves the payload into the slab as Ignored and emits a best-effort
// cancel; the readiness backend simply discards the waker, since no kernel
// pointer is outstanding.
func (op *Operation[T]) Close() {
	op.release()
}

func (op *Operation[T]) release() bool {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.closed {
		return false
	}
	op.closed = true
	runtime.SetFinalizer(op, nil)

	if op.state == stateDone {
		return false
	}
	op.backend.dropOp(op.handle, op.req)
	op.state = stateDone
	return true
}

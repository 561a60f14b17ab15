package iodriver

import "github.com/ehrlich-b/iodriver/internal/driverr"

// OpKind tags a request with the operation it performs, used for metrics
// and for deciding whether an op needs fd readiness at all.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpWrite
	OpSend
	OpRecv
	OpAccept
	OpConnect
	OpClose
	OpTimeout
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpClose:
		return "close"
	case OpTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Buffer is the capability an operation's payload must expose so the
// driver can hand the kernel a stable pointer and length without knowing
// anything about the buffer's allocator. Any []byte-backed type that can
// report its own base address works.
type Buffer interface {
	// Bytes returns the buffer's current contents for write-direction ops,
	// or the destination slice for read-direction ops.
	Bytes() []byte
}

// sliceBuffer adapts a plain []byte to Buffer.
type sliceBuffer []byte

func (b sliceBuffer) Bytes() []byte { return b }

// NewBuffer wraps a plain byte slice as a Buffer.
func NewBuffer(b []byte) Buffer { return sliceBuffer(b) }

// Waker is the capability a task's executor gives the driver to resume it.
// Implementations must be safe to call from any thread, since a completion
// backend dispatches from its own park loop and a foreign unpark may call it
// through CrossThreadWake.
type Waker interface {
	Wake()
}

// Request is the polymorphic capability every operation constructor
// produces: enough to build a kernel submission (completion backend) and/or
// perform the equivalent synchronous syscall (readiness backend). A request
// that has no meaningful readiness dependency (e.g. Close) reports
// ReadinessIndependent() == true so ReadinessDriver can execute it inline
// without ever touching the poller.
type Request interface {
	// Kind identifies the operation for metrics and dispatch.
	Kind() OpKind

	// Fd is the file descriptor the operation concerns.
	Fd() int

	// Payload returns the buffer-holding value that must stay alive until
	// completion, or nil for operations with no buffer (Close, Connect,
	// Timeout).
	Payload() Buffer

	// PrepareSQE writes this request's kernel submission into sqe, tagging
	// it with userData (a slab index, or a reserved sentinel).
	PrepareSQE(sqe *CompletionSQE, userData uint64)

	// Direction reports which readiness slot this request depends on, used
	// by ReadinessDriver. ReadinessIndependent requests ignore this.
	Direction() Direction

	// ReadinessIndependent reports whether this request can be completed
	// without waiting on fd readiness at all (e.g. a pure close(2) call).
	ReadinessIndependent() bool

	// Syscall performs the equivalent blocking-free syscall directly,
	// called by ReadinessDriver once the fd is known ready (or always, for
	// readiness-independent requests). It returns the raw result count
	// (non-negative) or a *driverr.Error wrapping the errno.
	Syscall() (int32, error)
}

// isCanceledErr reports whether err represents a canceled operation.
func isCanceledErr(err error) bool {
	return driverr.IsCanceled(err)
}

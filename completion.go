//go:build linux

package iodriver

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iodriver/internal/driverr"
	"github.com/ehrlich-b/iodriver/internal/logging"
	"github.com/ehrlich-b/iodriver/internal/slab"
	"github.com/ehrlich-b/iodriver/internal/tlsctx"
	"github.com/ehrlich-b/iodriver/internal/uring"
	"github.com/ehrlich-b/iodriver/internal/wake"
)

// Sentinel user-data values. The three highest values of the 64-bit
// user-data space are reserved, in decreasing order, for async-cancel,
// timeout, and the wake eventfd read. Real slab indices are always well
// below this window since a single driver never holds billions of
// in-flight operations.
const (
	sentinelCancel    uint64 = ^uint64(0)
	sentinelTimeout   uint64 = ^uint64(0) - 1
	sentinelEventWake uint64 = ^uint64(0) - 2
)

type pendingSubmission struct {
	index int
	req   Request
}

// CompletionConfig configures a CompletionDriver.
type CompletionConfig struct {
	ringOpts []uring.Option
	observer Observer
}

// CompletionOption mutates a CompletionConfig.
type CompletionOption func(*CompletionConfig)

// WithRingEntries sets the submission-ring depth.
func WithRingEntries(n uint32) CompletionOption {
	return func(c *CompletionConfig) { c.ringOpts = append(c.ringOpts, uring.WithEntries(n)) }
}

// WithObserver installs a metrics Observer.
func WithObserver(o Observer) CompletionOption {
	return func(c *CompletionConfig) { c.observer = o }
}

// CompletionDriver drives a completion-based ring (io_uring): it submits
// operations, reaps completions, and dispatches results to waiting tasks.
// A CompletionDriver is pinned to the thread that calls With; it shares no
// mutable state with any other driver instance.
type CompletionDriver struct {
	ring  *uring.Ring
	slab  *slab.Slab
	wake  *wake.CrossThreadWake
	wakeFD int

	observer Observer

	pending        []pendingSubmission
	pendingCancels []int

	wakeInstalled bool
	closed        bool

	// wakeBuf is the destination of the armed wake-eventfd read. It lives on
	// the driver so the kernel never writes into a freed stack frame.
	wakeBuf [8]byte
}

// NewCompletionDriver creates a CompletionDriver with its own ring and
// wake eventfd.
func NewCompletionDriver(opts ...CompletionOption) (*CompletionDriver, error) {
	cfg := &CompletionConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.observer == nil {
		cfg.observer = NoOpObserver{}
	}

	ring, err := uring.New(cfg.ringOpts...)
	if err != nil {
		return nil, driverr.Wrap("completion.new", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.Close()
		return nil, driverr.WrapErrno("completion.new", -1, err.(unix.Errno))
	}

	d := &CompletionDriver{
		ring:     ring,
		slab:     slab.New(),
		wakeFD:   wakeFD,
		observer: cfg.observer,
	}
	d.wake = wake.New(eventfdSignal{fd: wakeFD})
	return d, nil
}

// eventfdSignal implements wake.Signal by writing one token to an eventfd.
type eventfdSignal struct{ fd int }

func (s eventfdSignal) Notify() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(s.fd, buf[:])
	return err
}

// With installs this driver as current for the calling OS thread for the
// duration of scope.
func (d *CompletionDriver) With(scope func()) {
	tlsctx.With(d, scope)
}

// submitOp registers req as a new in-flight operation. No syscall happens
// here — submission is deferred to the next Submit/Park call — except that
// Insert itself never touches the kernel.
func (d *CompletionDriver) submitOp(req Request) (opBackend, any) {
	idx := d.slab.Insert(slab.Entry{State: slab.Submitted, SubmittedAt: time.Now().UnixNano()})
	d.pending = append(d.pending, pendingSubmission{index: idx, req: req})
	d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
	return d, idx
}

func (d *CompletionDriver) poll(handle any, req Request, waker Waker) (PollResult, error) {
	idx := handle.(int)
	e, ok := d.slab.Get(idx)
	if !ok {
		return PollResult{}, driverr.Misuse("completion.poll", "polling a removed index")
	}

	switch e.State {
	case slab.Submitted:
		e.State = slab.Waiting
		e.Waker = waker
		return PollResult{}, nil
	case slab.Waiting:
		e.Waker = waker // only the most recently registered waker is ever woken
		return PollResult{}, nil
	case slab.Completed:
		res := PollResult{Ready: true, Value: e.Result, Flags: e.Flags}
		err := e.Err
		latency := uint64(time.Now().UnixNano() - e.SubmittedAt)
		d.slab.Remove(idx)
		d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
		d.observer.ObserveCompletion(req.Kind(), latency, err)
		return res, err
	default:
		return PollResult{}, driverr.Misuse("completion.poll", "unexpected lifecycle state")
	}
}

// dropOp implements the critical drop contract: the task's payload must not
// be freed until the kernel no longer references it, so a Submitted or
// Waiting operation transfers its payload into the slab as Ignored instead
// of being removed, and a best-effort cancel is queued.
func (d *CompletionDriver) dropOp(handle any, req Request) {
	idx := handle.(int)
	e, ok := d.slab.Get(idx)
	if !ok {
		return
	}
	switch e.State {
	case slab.Submitted, slab.Waiting:
		e.State = slab.Ignored
		e.Payload = req
		e.Waker = nil
		d.Cancel(idx)
	case slab.Completed:
		d.slab.Remove(idx)
		d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
	}
}

// Submit flushes any prepared submissions without blocking.
func (d *CompletionDriver) Submit() error {
	if err := d.flushPending(); err != nil {
		return err
	}
	_, err := d.ring.Submit()
	if err != nil {
		return driverr.Wrap("completion.submit", err)
	}
	return nil
}

// flushPending drains d.pending and d.pendingCancels into real SQEs,
// flushing the ring early (and retrying) whenever it runs out of room —
// the one point where submission is allowed to syscall ahead of park. A
// busy result from that flush is handled by reaping completions before the
// retry.
func (d *CompletionDriver) flushPending() error {
	for len(d.pending) > 0 {
		p := d.pending[0]
		sqe := d.ring.GetSQE()
		if sqe == nil {
			if _, err := d.ring.Submit(); err != nil {
				if err != unix.EBUSY && err != unix.EAGAIN {
					return driverr.Wrap("completion.flush", err)
				}
				d.drainCompletions()
			}
			d.observer.ObserveSubmissionRetry()
			continue
		}
		p.req.PrepareSQE(sqe, uint64(p.index))
		d.pending = d.pending[1:]
	}
	for len(d.pendingCancels) > 0 {
		idx := d.pendingCancels[0]
		sqe := d.ring.GetSQE()
		if sqe == nil {
			if _, err := d.ring.Submit(); err != nil {
				if err != unix.EBUSY && err != unix.EAGAIN {
					return driverr.Wrap("completion.flush", err)
				}
				d.drainCompletions()
			}
			d.observer.ObserveSubmissionRetry()
			continue
		}
		sqe.PrepareCancel64(uint64(idx), 0)
		sqe.UserData = sentinelCancel
		d.pendingCancels = d.pendingCancels[1:]
	}
	return nil
}

// Park is the sole blocking point: drain foreign wakers, arrange the wake
// eventfd and any timeout, submit and wait for at least one completion, then
// dispatch everything reaped.
func (d *CompletionDriver) Park() error {
	return d.park(nil)
}

// ParkTimeout parks for at most d or until an operation completes.
func (d *CompletionDriver) ParkTimeout(timeout time.Duration) error {
	return d.park(&timeout)
}

func (d *CompletionDriver) park(timeout *time.Duration) error {
	// PrepareToBlock runs the full double-drain sequence: drain, flip
	// awake to false, drain again. A foreigner that raced the first drain
	// is always caught by the second.
	drainedForeign := d.wake.PrepareToBlock()
	forceNoWait := drainedForeign > 0

	if !d.wakeInstalled {
		if err := d.armWakeRead(); err != nil {
			d.wake.FinishBlock()
			return err
		}
	}

	if timeout != nil && !forceNoWait {
		if err := d.armTimeout(*timeout); err != nil {
			d.wake.FinishBlock()
			return err
		}
	}

	if err := d.flushPending(); err != nil {
		d.wake.FinishBlock()
		return err
	}

	waitNr := uint32(1)
	if forceNoWait {
		waitNr = 0
	}
	if _, err := d.ring.SubmitAndWait(waitNr); err != nil {
		d.wake.FinishBlock()
		if err == unix.EINTR {
			return nil
		}
		return driverr.Wrap("completion.park", err)
	}

	d.wake.FinishBlock()
	d.observer.ObservePark(!forceNoWait)

	// A foreign waker pushed while this call was actually blocked (after
	// PrepareToBlock's own drains ran but before the wait returned) is
	// still sitting in the queue — drain it now so it isn't attributed to
	// some later, unrelated park call.
	drainedForeign += d.wake.Drain()
	for i := 0; i < drainedForeign; i++ {
		d.observer.ObserveForeignWake()
	}

	return d.drainCompletions()
}

func (d *CompletionDriver) armWakeRead() error {
	sqe := d.ring.GetSQE()
	if sqe == nil {
		if _, err := d.ring.Submit(); err != nil {
			return driverr.Wrap("completion.park", err)
		}
		sqe = d.ring.GetSQE()
	}
	sqe.PrepareRead(int32(d.wakeFD), uintptr(ptrOf(&d.wakeBuf[0])), uint32(len(d.wakeBuf)), 0)
	sqe.UserData = sentinelEventWake
	d.wakeInstalled = true
	return nil
}

func (d *CompletionDriver) armTimeout(timeout time.Duration) error {
	sqe := d.ring.GetSQE()
	if sqe == nil {
		if _, err := d.ring.Submit(); err != nil {
			return driverr.Wrap("completion.park", err)
		}
		sqe = d.ring.GetSQE()
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	sqe.PrepareTimeout(&ts, 0, 0)
	sqe.UserData = sentinelTimeout
	return nil
}

func (d *CompletionDriver) drainCompletions() error {
	var cqes [128]*uring.CQE
	for {
		n := d.ring.PeekBatchCQE(cqes[:])
		if n == 0 {
			return nil
		}
		for i := uint32(0); i < n; i++ {
			cqe := cqes[i]
			switch cqe.UserData {
			case sentinelEventWake:
				d.wakeInstalled = false
			case sentinelTimeout:
				// expiry errors on sentinel operations are ignored
			case sentinelCancel:
				// the cancel request's own outcome is irrelevant; the
				// target op's completion (if any) arrives separately
			default:
				d.applyCompletion(int(cqe.UserData), cqe.Res, cqe.Flags)
			}
		}
		d.ring.CQAdvance(n)
		if n < uint32(len(cqes)) {
			return nil
		}
	}
}

func (d *CompletionDriver) applyCompletion(idx int, res int32, flags uint32) {
	e, ok := d.slab.Get(idx)
	if !ok {
		logging.Default().Warn("completion for unknown index", "index", idx)
		return
	}

	switch e.State {
	case slab.Ignored:
		// the task already dropped this op; the kernel no longer
		// references the buffer, so the slot can finally be freed.
		d.slab.Remove(idx)
		d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
	case slab.Submitted, slab.Waiting:
		waker := e.Waker
		e.Waker = nil
		e.Result, e.Flags, e.Err = resultToValue(res)
		e.State = slab.Completed
		if waker != nil {
			waker.Wake()
		}
	case slab.Completed:
		logging.Default().Warn("duplicate completion for index", "index", idx)
	}
}

// resultToValue maps a kernel result: non-negative is a count, negative is
// the negated error number.
func resultToValue(res int32) (int32, uint32, error) {
	if res < 0 {
		return 0, 0, driverr.WrapErrno("operation", -1, unix.Errno(uint(-res)))
	}
	return res, 0, nil
}

// Unpark returns a handle any thread can use to interrupt a blocked Park.
func (d *CompletionDriver) Unpark() UnparkHandle {
	return completionUnparker{wake: d.wake}
}

type completionUnparker struct{ wake *wake.CrossThreadWake }

func (u completionUnparker) Unpark() error {
	return u.wake.Push(noopWaker{})
}

// noopWaker is pushed by Unpark itself: there is no task to resume, only
// the driver's blocking wait to interrupt.
type noopWaker struct{}

func (noopWaker) Wake() {}

// Cancel pushes a best-effort async-cancel request naming idx; the actual
// cancellation is observed as an ordinary completion with an aborted
// result.
func (d *CompletionDriver) Cancel(idx int) {
	d.pendingCancels = append(d.pendingCancels, idx)
}

// NumOperations returns the number of in-flight slab entries, used by tests
// to assert conservation of operations.
func (d *CompletionDriver) NumOperations() int { return d.slab.Len() }

// Close releases the ring and wake eventfd. Not safe to call while another
// goroutine is inside Park.
func (d *CompletionDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.ring.Close()
	return unix.Close(d.wakeFD)
}

var (
	_ opBackend = (*CompletionDriver)(nil)
	_ Driver    = (*CompletionDriver)(nil)
)

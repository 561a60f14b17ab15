//go:build linux

package iodriver

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iodriver/internal/driverr"
	"github.com/ehrlich-b/iodriver/internal/logging"
	"github.com/ehrlich-b/iodriver/internal/readypoll"
	"github.com/ehrlich-b/iodriver/internal/slab"
	"github.com/ehrlich-b/iodriver/internal/tlsctx"
	"github.com/ehrlich-b/iodriver/internal/wake"
)

// readinessMeta is the bookkeeping kept alongside each slab entry for the
// readiness backend: which fd and direction the operation is waiting on,
// whether a poller token has been bound for that fd yet, and (for a
// standalone Timeout operation) the deadline it resolves at.
type readinessMeta struct {
	req      Request
	fd       int
	dir      Direction
	token    readypoll.Token
	bound    bool
	deadline time.Time
	isTimer  bool
	canceled bool // driver-side Cancel called before the fd was bound
}

// fdBinding reference-counts the poller token shared by every in-flight
// operation on one fd, since a single fd may have a read and a write op
// outstanding at once.
type fdBinding struct {
	token    readypoll.Token
	refcount int
}

// ReadinessConfig configures a ReadinessDriver.
type ReadinessConfig struct {
	observer Observer
}

// ReadinessOption configures a ReadinessDriver at construction time.
type ReadinessOption func(*ReadinessConfig)

// WithReadinessObserver installs a metrics observer on a ReadinessDriver.
func WithReadinessObserver(o Observer) ReadinessOption {
	return func(c *ReadinessConfig) { c.observer = o }
}

// ReadinessDriver is the epoll-backed counterpart to CompletionDriver. It
// holds no outstanding kernel requests: every operation retries its syscall
// inline each time it is polled, registering with the poller only after a
// first attempt would block. Dropping an in-flight operation is therefore
// free — there is nothing in the kernel to cancel, only local bookkeeping
// to release.
type ReadinessDriver struct {
	poller *readypoll.Poller
	slab   *slab.Slab
	meta   map[int]*readinessMeta
	fds    map[int]*fdBinding
	wake   *wake.CrossThreadWake

	observer Observer
	closed   bool
}

// NewReadinessDriver creates a ReadinessDriver backed by a fresh epoll
// instance.
func NewReadinessDriver(opts ...ReadinessOption) (*ReadinessDriver, error) {
	cfg := &ReadinessConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.observer == nil {
		cfg.observer = NoOpObserver{}
	}

	poller, err := readypoll.New()
	if err != nil {
		return nil, driverr.Wrap("readiness.new", err)
	}

	d := &ReadinessDriver{
		poller:   poller,
		slab:     slab.New(),
		meta:     make(map[int]*readinessMeta),
		fds:      make(map[int]*fdBinding),
		observer: cfg.observer,
	}
	d.wake = wake.New(eventfdSignal{fd: poller.WakeFD()})
	return d, nil
}

func (d *ReadinessDriver) With(scope func()) { tlsctx.With(d, scope) }

func (d *ReadinessDriver) submitOp(req Request) (opBackend, any) {
	idx := d.slab.Insert(slab.Entry{State: slab.Submitted, SubmittedAt: time.Now().UnixNano()})
	m := &readinessMeta{req: req, fd: req.Fd(), dir: req.Direction()}
	if t, ok := req.(*TimeoutRequest); ok {
		m.isTimer = true
		m.deadline = time.Now().Add(t.d)
	}
	d.meta[idx] = m
	d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
	return d, idx
}

func (d *ReadinessDriver) poll(handle any, req Request, waker Waker) (PollResult, error) {
	idx := handle.(int)
	e, ok := d.slab.Get(idx)
	if !ok {
		return PollResult{}, driverr.Misuse("readiness.poll", "polling a removed index")
	}
	m := d.meta[idx]

	if m.bound {
		if bits, ok := d.poller.Bits(m.token); ok && bits.Canceled(m.dir) {
			d.poller.AckCancel(m.token, m.dir)
			return d.finish(idx, 0, 0, driverr.NewIndexed("readiness.poll", idx, driverr.CodeCanceled, "operation canceled"))
		}
	} else if m.canceled {
		m.canceled = false
		return d.finish(idx, 0, 0, driverr.NewIndexed("readiness.poll", idx, driverr.CodeCanceled, "operation canceled"))
	}

	if m.isTimer {
		if time.Now().Before(m.deadline) {
			e.State = slab.Waiting
			e.Waker = waker
			return PollResult{}, nil
		}
		return d.finish(idx, 0, 0, nil)
	}

	if req.ReadinessIndependent() {
		res, err := req.Syscall()
		return d.finish(idx, res, 0, err)
	}

	res, err := req.Syscall()
	if err == nil {
		return d.finish(idx, res, 0, nil)
	}
	if !isWouldBlock(err) {
		return d.finish(idx, 0, 0, err)
	}

	if !m.bound {
		tok, bindErr := d.bindFD(m.fd)
		if bindErr != nil {
			return d.finish(idx, 0, 0, bindErr)
		}
		m.token = tok
		m.bound = true
	}
	d.poller.ClearReady(m.token, m.dir)
	d.poller.Arm(m.token, m.dir, waker)
	e.State = slab.Waiting
	e.Waker = waker
	return PollResult{}, nil
}

func (d *ReadinessDriver) finish(idx int, res int32, flags uint32, err error) (PollResult, error) {
	m := d.meta[idx]
	if m != nil {
		if m.bound {
			d.unbindFD(m.fd)
		}
		latency := uint64(time.Now().UnixNano())
		if e, ok := d.slab.Get(idx); ok {
			latency -= uint64(e.SubmittedAt)
		}
		d.observer.ObserveCompletion(m.req.Kind(), latency, err)
		delete(d.meta, idx)
	}
	d.slab.Remove(idx)
	d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
	return PollResult{Ready: true, Value: res, Flags: flags}, err
}

func (d *ReadinessDriver) dropOp(handle any, req Request) {
	idx := handle.(int)
	m, ok := d.meta[idx]
	if !ok {
		return
	}
	if m.bound {
		d.poller.Arm(m.token, m.dir, nil)
		d.unbindFD(m.fd)
	}
	delete(d.meta, idx)
	d.slab.Remove(idx)
	d.observer.ObserveSlabDepth(uint32(d.slab.Len()))
}

// Cancel marks the in-flight operation at idx as canceled from outside the
// task that owns it — distinct from Operation.Close's drop path, which the
// owning task calls on itself. The next poll call observes the cancel
// bit and returns a canceled error instead of retrying the syscall; the
// slab slot and fd binding are released then, not here, since the task may
// still want to observe the result of the poll.
func (d *ReadinessDriver) Cancel(idx int, dir Direction) error {
	m, ok := d.meta[idx]
	if !ok {
		return driverr.Misuse("readiness.cancel", "canceling a removed index")
	}
	if m.bound {
		d.poller.Cancel(m.token, dir)
		return nil
	}
	m.canceled = true
	if e, ok := d.slab.Get(idx); ok && e.Waker != nil {
		e.Waker.Wake()
	}
	return nil
}

func (d *ReadinessDriver) bindFD(fd int) (readypoll.Token, error) {
	if b, ok := d.fds[fd]; ok {
		b.refcount++
		return b.token, nil
	}
	tok, err := d.poller.Register(fd)
	if err != nil {
		return 0, driverr.Wrap("readiness.register", err)
	}
	d.fds[fd] = &fdBinding{token: tok, refcount: 1}
	return tok, nil
}

func (d *ReadinessDriver) unbindFD(fd int) {
	b, ok := d.fds[fd]
	if !ok {
		return
	}
	b.refcount--
	if b.refcount > 0 {
		return
	}
	delete(d.fds, fd)
	if err := d.poller.Deregister(b.token, fd); err != nil {
		logging.Default().Warn("readiness deregister failed", "fd", fd, "error", err)
	}
}

func isWouldBlock(err error) bool {
	return driverr.IsCode(err, driverr.CodeSubmissionFailure)
}

// Submit is a no-op for the readiness backend: every operation runs its
// syscall inline from poll, so there is nothing queued to flush.
func (d *ReadinessDriver) Submit() error { return nil }

func (d *ReadinessDriver) Park() error { return d.park(nil) }

func (d *ReadinessDriver) ParkTimeout(timeout time.Duration) error { return d.park(&timeout) }

func (d *ReadinessDriver) park(timeout *time.Duration) error {
	drainedForeign := d.wake.PrepareToBlock()
	forceNoWait := drainedForeign > 0

	millis := -1
	if timeout != nil {
		millis = int(timeout.Milliseconds())
	}
	if deadline, ok := d.nextDeadline(); ok {
		remain := int(time.Until(deadline).Milliseconds())
		if remain < 0 {
			remain = 0
		}
		if millis < 0 || remain < millis {
			millis = remain
		}
	}
	if forceNoWait {
		millis = 0
	}

	events, err := d.poller.Wait(millis)
	d.wake.FinishBlock()
	if err != nil {
		if driverr.IsCode(err, driverr.CodeInterrupted) {
			return nil
		}
		return err
	}
	d.observer.ObservePark(!forceNoWait)

	for _, ev := range events {
		if ev.Wake {
			d.drainWakeFD()
			continue
		}
		read, write := d.poller.TakeWakers(ev.Token, ev.Bits)
		if read != nil {
			read.Wake()
		}
		if write != nil {
			write.Wake()
		}
	}
	d.wakeExpiredTimers()

	// Catch any foreign waker pushed while this call was actually blocked,
	// after PrepareToBlock's own drains ran but before Wait returned.
	drainedForeign += d.wake.Drain()
	for i := 0; i < drainedForeign; i++ {
		d.observer.ObserveForeignWake()
	}
	return nil
}

func (d *ReadinessDriver) nextDeadline() (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, m := range d.meta {
		if !m.isTimer {
			continue
		}
		if !found || m.deadline.Before(best) {
			best = m.deadline
			found = true
		}
	}
	return best, found
}

func (d *ReadinessDriver) wakeExpiredTimers() {
	now := time.Now()
	for idx, m := range d.meta {
		if !m.isTimer || now.Before(m.deadline) {
			continue
		}
		e, ok := d.slab.Get(idx)
		if !ok || e.Waker == nil {
			continue
		}
		waker := e.Waker
		e.Waker = nil
		waker.Wake()
	}
}

func (d *ReadinessDriver) drainWakeFD() {
	var buf [8]byte
	unix.Read(d.poller.WakeFD(), buf[:])
}

func (d *ReadinessDriver) Unpark() UnparkHandle { return readinessUnparker{wake: d.wake} }

type readinessUnparker struct{ wake *wake.CrossThreadWake }

func (u readinessUnparker) Unpark() error { return u.wake.Push(noopWaker{}) }

// NumOperations reports the number of in-flight operations.
func (d *ReadinessDriver) NumOperations() int { return d.slab.Len() }

func (d *ReadinessDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.poller.Close()
}

var (
	_ opBackend = (*ReadinessDriver)(nil)
	_ Driver    = (*ReadinessDriver)(nil)
)

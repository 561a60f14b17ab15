//go:build linux

// Package readypoll implements the epoll-backed multiplexer behind
// ReadinessDriver: registering sources, waiting for readiness, and tracking
// per-direction ready/cancel state. The per-fd, per-direction slot design
// (separate read and write state, each carrying at most one waker) mirrors
// the reader/writer list-per-descriptor shape used by gaio's watcher, here
// collapsed to a single bitset slot per direction since only the most
// recent waker needs to be retained.
package readypoll

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iodriver/internal/driverr"
)

// Direction selects which half of a duplex fd a readiness slot tracks.
type Direction uint8

const (
	Read Direction = iota
	Write
)

// Ready is the bitset carried by a readiness slot. Cancellation bits are
// orthogonal to the readable/writable bits and are cleared only by explicit
// acknowledgement (Poller.AckCancel), never by a fresh readiness event.
type Ready uint8

const (
	Readable Ready = 1 << iota
	Writable
	ReadClosed
	WriteClosed
	ReadCanceled
	WriteCanceled
)

func (r Ready) has(bit Ready) bool { return r&bit != 0 }

// Canceled reports whether dir's cancel bit is set.
func (r Ready) Canceled(dir Direction) bool {
	if dir == Read {
		return r.has(ReadCanceled)
	}
	return r.has(WriteCanceled)
}

// Waker is the minimal capability a parked task's waker exposes.
type Waker interface {
	Wake()
}

// slot holds readiness state for one registered fd.
type slot struct {
	fd        int
	bits      Ready
	readWaker Waker
	writeWaker Waker
}

// Token identifies a registered source.
type Token int

// wakeToken is reserved for the poller's own cross-thread wake eventfd; it
// is never a valid registration token.
const wakeToken Token = -1

// Poller wraps one epoll instance plus the token table backing it. Not safe
// for concurrent use beyond the documented Cancel path: register, deregister
// and poll all run on the driver's own thread.
type Poller struct {
	epfd int

	mu     sync.Mutex // guards tokens/next; Cancel may be called cross-thread in principle, slots themselves are driver-thread-only
	tokens map[Token]*slot
	next   Token

	wakeEventFD int
}

// New creates an epoll instance and registers its own wake eventfd under
// wakeToken, so park can distinguish the cross-thread wake from real I/O
// readiness.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, driverr.WrapErrno("readypoll.new", -1, err.(unix.Errno))
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, driverr.WrapErrno("readypoll.new", -1, err.(unix.Errno))
	}

	p := &Poller{
		epfd:        epfd,
		tokens:      make(map[Token]*slot),
		wakeEventFD: wakeFD,
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeToken)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, driverr.WrapErrno("readypoll.new", -1, err.(unix.Errno))
	}
	return p, nil
}

// WakeFD exposes the registered eventfd so CrossThreadWake's Signal can
// write to it from a foreign thread.
func (p *Poller) WakeFD() int { return p.wakeEventFD }

// Register binds fd into the poller and allocates a fresh token.
func (p *Poller) Register(fd int) (Token, error) {
	p.mu.Lock()
	tok := p.next
	p.next++
	p.tokens[tok] = &slot{fd: fd}
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET, Fd: int32(tok)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.tokens, tok)
		p.mu.Unlock()
		return 0, driverr.WrapErrno("readypoll.register", int(tok), err.(unix.Errno))
	}
	return tok, nil
}

// Deregister removes fd's binding and drops any pending wakers.
func (p *Poller) Deregister(tok Token, fd int) error {
	p.mu.Lock()
	_, ok := p.tokens[tok]
	delete(p.tokens, tok)
	p.mu.Unlock()

	if !ok {
		return driverr.Misuse("readypoll.deregister", "unknown token")
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return driverr.WrapErrno("readypoll.deregister", int(tok), err.(unix.Errno))
	}
	return nil
}

// Bits returns the current readiness bitset for tok.
func (p *Poller) Bits(tok Token) (Ready, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.tokens[tok]
	if !ok {
		return 0, false
	}
	return s.bits, true
}

// ClearReady clears the readable/writable bit for dir after a would-block
// result, so the next readiness event is required before retrying.
func (p *Poller) ClearReady(tok Token, dir Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.tokens[tok]
	if !ok {
		return
	}
	if dir == Read {
		s.bits &^= Readable
	} else {
		s.bits &^= Writable
	}
}

// AckCancel clears dir's cancel bit, the only way a cancellation flag is
// ever removed.
func (p *Poller) AckCancel(tok Token, dir Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.tokens[tok]
	if !ok {
		return
	}
	if dir == Read {
		s.bits &^= ReadCanceled
	} else {
		s.bits &^= WriteCanceled
	}
}

// Arm stores waker as the one to wake when dir next becomes ready or
// canceled on tok.
func (p *Poller) Arm(tok Token, dir Direction, waker Waker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.tokens[tok]
	if !ok {
		return
	}
	if dir == Read {
		s.readWaker = waker
	} else {
		s.writeWaker = waker
	}
}

// Cancel ORs dir's cancel bit into tok's slot and wakes its waker, per the
// spec's "cancellation is a fast local flag" design for the readiness
// backend: no kernel request is outstanding, so there is nothing to
// interrupt beyond waking the task.
func (p *Poller) Cancel(tok Token, dir Direction) {
	p.mu.Lock()
	s, ok := p.tokens[tok]
	if !ok {
		p.mu.Unlock()
		return
	}
	var waker Waker
	if dir == Read {
		s.bits |= ReadCanceled
		waker = s.readWaker
		s.readWaker = nil
	} else {
		s.bits |= WriteCanceled
		waker = s.writeWaker
		s.writeWaker = nil
	}
	p.mu.Unlock()

	if waker != nil {
		waker.Wake()
	}
}

// Event is one dispatched epoll event, already resolved to a token plus the
// readiness bits it reports.
type Event struct {
	Token Token
	Bits  Ready
	Wake  bool // true if this was the cross-thread wake token
}

// Wait blocks for up to timeoutMillis (-1 meaning forever) and returns the
// events observed. Consuming the wake eventfd's bytes is the caller's
// responsibility once Wake is observed.
func (p *Poller) Wait(timeoutMillis int) ([]Event, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, driverr.New("readypoll.wait", driverr.CodeInterrupted, "epoll_wait interrupted")
		}
		return nil, driverr.WrapErrno("readypoll.wait", -1, err.(unix.Errno))
	}

	events := make([]Event, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		tok := Token(raw[i].Fd)
		if tok == wakeToken {
			events = append(events, Event{Wake: true})
			continue
		}
		s, ok := p.tokens[tok]
		if !ok {
			continue
		}
		bits := translate(raw[i].Events)
		s.bits |= bits
		events = append(events, Event{Token: tok, Bits: s.bits})
	}
	p.mu.Unlock()
	return events, nil
}

// TakeWakers returns and clears the wakers armed for tok's event, called
// once per dispatched Event to decide who to resume.
func (p *Poller) TakeWakers(tok Token, bits Ready) (read, write Waker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.tokens[tok]
	if !ok {
		return nil, nil
	}
	if bits.has(Readable) || bits.has(ReadClosed) {
		read = s.readWaker
		s.readWaker = nil
	}
	if bits.has(Writable) || bits.has(WriteClosed) {
		write = s.writeWaker
		s.writeWaker = nil
	}
	return read, write
}

func translate(events uint32) Ready {
	var r Ready
	if events&unix.EPOLLIN != 0 {
		r |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	if events&unix.EPOLLRDHUP != 0 {
		r |= ReadClosed | Readable
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r |= ReadClosed | WriteClosed | Readable | Writable
	}
	return r
}

// Close releases the epoll and wake-eventfd descriptors.
func (p *Poller) Close() error {
	unix.Close(p.wakeEventFD)
	return unix.Close(p.epfd)
}

//go:build linux

package iodriver

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/iodriver/internal/driverr"
	"github.com/ehrlich-b/iodriver/internal/tlsctx"
)

// opSubmitter is implemented by both concrete drivers; operation
// constructors use it to register a request without knowing which backend
// is active.
type opSubmitter interface {
	submitOp(req Request) (opBackend, any)
}

func currentSubmitter() opSubmitter {
	return tlsctx.MustCurrent().(opSubmitter)
}

func wrapErrno(op string, err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return driverr.WrapErrno(op, -1, errno)
	}
	return driverr.Wrap(op, err)
}

// --- Read ---

// ReadRequest reads from fd into buf.
type ReadRequest struct {
	fd  int
	buf Buffer
}

func (r *ReadRequest) Kind() OpKind             { return OpRead }
func (r *ReadRequest) Fd() int                  { return r.fd }
func (r *ReadRequest) Payload() Buffer          { return r.buf }
func (r *ReadRequest) Direction() Direction     { return DirRead }
func (r *ReadRequest) ReadinessIndependent() bool { return false }

func (r *ReadRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	b := r.buf.Bytes()
	var addr unsafe.Pointer
	if len(b) > 0 {
		addr = ptrOf(&b[0])
	}
	sqe.PrepareRead(int32(r.fd), uintptr(addr), uint32(len(b)), 0)
	sqe.UserData = userData
}

func (r *ReadRequest) Syscall() (int32, error) {
	n, err := unix.Read(r.fd, r.buf.Bytes())
	if err != nil {
		return 0, wrapErrno("read", err)
	}
	return int32(n), nil
}

// Read submits a read of len(buf) bytes from fd.
func Read(fd int, buf Buffer) *Operation[*ReadRequest] {
	req := &ReadRequest{fd: fd, buf: buf}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Write ---

// WriteRequest writes buf's contents to fd.
type WriteRequest struct {
	fd  int
	buf Buffer
}

func (r *WriteRequest) Kind() OpKind             { return OpWrite }
func (r *WriteRequest) Fd() int                  { return r.fd }
func (r *WriteRequest) Payload() Buffer          { return r.buf }
func (r *WriteRequest) Direction() Direction     { return DirWrite }
func (r *WriteRequest) ReadinessIndependent() bool { return false }

func (r *WriteRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	b := r.buf.Bytes()
	var addr unsafe.Pointer
	if len(b) > 0 {
		addr = ptrOf(&b[0])
	}
	sqe.PrepareWrite(int32(r.fd), uintptr(addr), uint32(len(b)), 0)
	sqe.UserData = userData
}

func (r *WriteRequest) Syscall() (int32, error) {
	n, err := unix.Write(r.fd, r.buf.Bytes())
	if err != nil {
		return 0, wrapErrno("write", err)
	}
	return int32(n), nil
}

// Write submits a write of buf's full contents to fd.
func Write(fd int, buf Buffer) *Operation[*WriteRequest] {
	req := &WriteRequest{fd: fd, buf: buf}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Send ---

// SendRequest sends buf on a socket fd. It always sets MSG_NOSIGNAL so a
// peer that has gone away surfaces as EPIPE on the result rather than
// raising SIGPIPE in the process.
type SendRequest struct {
	fd  int
	buf Buffer
}

func (r *SendRequest) Kind() OpKind             { return OpSend }
func (r *SendRequest) Fd() int                  { return r.fd }
func (r *SendRequest) Payload() Buffer          { return r.buf }
func (r *SendRequest) Direction() Direction     { return DirWrite }
func (r *SendRequest) ReadinessIndependent() bool { return false }

func (r *SendRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	b := r.buf.Bytes()
	var addr unsafe.Pointer
	if len(b) > 0 {
		addr = ptrOf(&b[0])
	}
	sqe.PrepareSend(int32(r.fd), uintptr(addr), uint32(len(b)), unix.MSG_NOSIGNAL)
	sqe.UserData = userData
}

func (r *SendRequest) Syscall() (int32, error) {
	n, err := unix.SendmsgN(r.fd, r.buf.Bytes(), nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, wrapErrno("send", err)
	}
	return int32(n), nil
}

// Send submits a send of buf's full contents on socket fd.
func Send(fd int, buf Buffer) *Operation[*SendRequest] {
	req := &SendRequest{fd: fd, buf: buf}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Recv ---

// RecvRequest receives into buf from a socket fd.
type RecvRequest struct {
	fd  int
	buf Buffer
}

func (r *RecvRequest) Kind() OpKind             { return OpRecv }
func (r *RecvRequest) Fd() int                  { return r.fd }
func (r *RecvRequest) Payload() Buffer          { return r.buf }
func (r *RecvRequest) Direction() Direction     { return DirRead }
func (r *RecvRequest) ReadinessIndependent() bool { return false }

func (r *RecvRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	b := r.buf.Bytes()
	var addr unsafe.Pointer
	if len(b) > 0 {
		addr = ptrOf(&b[0])
	}
	sqe.PrepareRecv(int32(r.fd), uintptr(addr), uint32(len(b)), 0)
	sqe.UserData = userData
}

func (r *RecvRequest) Syscall() (int32, error) {
	n, _, err := unix.Recvfrom(r.fd, r.buf.Bytes(), 0)
	if err != nil {
		return 0, wrapErrno("recv", err)
	}
	return int32(n), nil
}

// Recv submits a receive of up to len(buf) bytes from socket fd.
func Recv(fd int, buf Buffer) *Operation[*RecvRequest] {
	req := &RecvRequest{fd: fd, buf: buf}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Accept ---

// AcceptRequest accepts one connection on a listening socket fd. The peer
// address is not retrieved; callers that need it can call getpeername on
// the resulting fd.
type AcceptRequest struct {
	fd int
}

func (r *AcceptRequest) Kind() OpKind               { return OpAccept }
func (r *AcceptRequest) Fd() int                    { return r.fd }
func (r *AcceptRequest) Payload() Buffer            { return nil }
func (r *AcceptRequest) Direction() Direction       { return DirRead }
func (r *AcceptRequest) ReadinessIndependent() bool { return false }

func (r *AcceptRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	sqe.PrepareAccept(int32(r.fd), 0, 0, 0)
	sqe.UserData = userData
}

func (r *AcceptRequest) Syscall() (int32, error) {
	connFD, _, err := unix.Accept4(r.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return 0, wrapErrno("accept", err)
	}
	return int32(connFD), nil
}

// Accept submits an accept on listening socket fd.
func Accept(fd int) *Operation[*AcceptRequest] {
	req := &AcceptRequest{fd: fd}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Connect ---

// ConnectRequest connects fd to addr.
type ConnectRequest struct {
	fd   int
	addr unix.Sockaddr

	// addrBytes holds the raw sockaddr the kernel reads the connect target
	// from. It is populated by PrepareSQE and must outlive the operation,
	// since the request itself is kept alive (by the slab or the pending
	// submission queue) until the kernel completes it.
	addrBytes []byte
}

func (r *ConnectRequest) Kind() OpKind               { return OpConnect }
func (r *ConnectRequest) Fd() int                    { return r.fd }
func (r *ConnectRequest) Payload() Buffer            { return nil }
func (r *ConnectRequest) Direction() Direction       { return DirWrite }
func (r *ConnectRequest) ReadinessIndependent() bool { return false }

func (r *ConnectRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	r.addrBytes = sockaddrBytes(r.addr)
	var ptr uintptr
	if len(r.addrBytes) > 0 {
		ptr = uintptr(ptrOf(&r.addrBytes[0]))
	}
	sqe.PrepareConnect(int32(r.fd), ptr, uint32(len(r.addrBytes)))
	sqe.UserData = userData
}

func (r *ConnectRequest) Syscall() (int32, error) {
	if err := unix.Connect(r.fd, r.addr); err != nil {
		return 0, wrapErrno("connect", err)
	}
	return 0, nil
}

// Connect submits a connect of fd to addr.
func Connect(fd int, addr unix.Sockaddr) *Operation[*ConnectRequest] {
	req := &ConnectRequest{fd: fd, addr: addr}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Close ---

// CloseRequest closes fd. It never depends on readiness: under the
// readiness backend it executes immediately instead of registering
// anything with the poller.
type CloseRequest struct {
	fd int
}

func (r *CloseRequest) Kind() OpKind             { return OpClose }
func (r *CloseRequest) Fd() int                  { return r.fd }
func (r *CloseRequest) Payload() Buffer          { return nil }
func (r *CloseRequest) Direction() Direction     { return DirRead }
func (r *CloseRequest) ReadinessIndependent() bool { return true }

func (r *CloseRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	sqe.PrepareClose(int32(r.fd))
	sqe.UserData = userData
}

func (r *CloseRequest) Syscall() (int32, error) {
	if err := unix.Close(r.fd); err != nil {
		return 0, wrapErrno("close", err)
	}
	return 0, nil
}

// Close submits a close of fd.
func Close(fd int) *Operation[*CloseRequest] {
	req := &CloseRequest{fd: fd}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

// --- Timeout ---

// TimeoutRequest completes after d has elapsed. It has no fd of its own;
// under the completion backend it is a native kernel timeout request, and
// under the readiness backend it is implemented with the poller's own wait
// timeout rather than a registered source.
type TimeoutRequest struct {
	d time.Duration
}

func (r *TimeoutRequest) Kind() OpKind             { return OpTimeout }
func (r *TimeoutRequest) Fd() int                  { return -1 }
func (r *TimeoutRequest) Payload() Buffer          { return nil }
func (r *TimeoutRequest) Direction() Direction     { return DirRead }
func (r *TimeoutRequest) ReadinessIndependent() bool { return true }

func (r *TimeoutRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {
	ts := unix.NsecToTimespec(r.d.Nanoseconds())
	sqe.PrepareTimeout(&ts, 0, 0)
	sqe.UserData = userData
}

func (r *TimeoutRequest) Syscall() (int32, error) {
	time.Sleep(r.d)
	return 0, nil
}

// Timeout submits a standalone timeout operation, completing after d.
func Timeout(d time.Duration) *Operation[*TimeoutRequest] {
	req := &TimeoutRequest{d: d}
	backend, handle := currentSubmitter().submitOp(req)
	return newOperation(backend, handle, req)
}

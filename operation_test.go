package iodriver

import (
	"testing"
)

// fakeRequest is a minimal Request used only to exercise Operation's state
// machine; its kernel-facing methods are never called by these tests.
type fakeRequest struct{ fd int }

func (r *fakeRequest) Kind() OpKind                            { return OpRead }
func (r *fakeRequest) Fd() int                                  { return r.fd }
func (r *fakeRequest) Payload() Buffer                          { return nil }
func (r *fakeRequest) Direction() Direction                     { return DirRead }
func (r *fakeRequest) ReadinessIndependent() bool                { return false }
func (r *fakeRequest) PrepareSQE(sqe *CompletionSQE, userData uint64) {}
func (r *fakeRequest) Syscall() (int32, error)                  { return 0, nil }

// fakeBackend is a scriptable opBackend standing in for either real
// backend, so Operation's contract can be tested in isolation from any
// kernel interaction.
type fakeBackend struct {
	pollResult PollResult
	pollErr    error
	pollCalls  int
	lastWaker  Waker

	dropped    bool
	dropHandle any
	dropReq    Request
}

func (b *fakeBackend) poll(handle any, req Request, waker Waker) (PollResult, error) {
	b.pollCalls++
	b.lastWaker = waker
	return b.pollResult, b.pollErr
}

func (b *fakeBackend) dropOp(handle any, req Request) {
	b.dropped = true
	b.dropHandle = handle
	b.dropReq = req
}

type fakeWaker struct{ woken int }

func (w *fakeWaker) Wake() { w.woken++ }

func TestOperationPollPendingThenReady(t *testing.T) {
	backend := &fakeBackend{pollResult: PollResult{Ready: false}}
	req := &fakeRequest{fd: 3}
	op := newOperation[*fakeRequest](backend, 7, req)

	res, err := op.Poll(&fakeWaker{})
	if err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if res.Ready {
		t.Fatal("first Poll reported Ready, want Pending")
	}

	backend.pollResult = PollResult{Ready: true, Value: 42}
	res, err = op.Poll(&fakeWaker{})
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if !res.Ready || res.Value != 42 {
		t.Fatalf("second Poll = %+v, want Ready with Value=42", res)
	}
}

func TestOperationRePollAfterDoneIsMisuse(t *testing.T) {
	backend := &fakeBackend{pollResult: PollResult{Ready: true, Value: 1}}
	op := newOperation[*fakeRequest](backend, 1, &fakeRequest{})

	if _, err := op.Poll(&fakeWaker{}); err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if _, err := op.Poll(&fakeWaker{}); err == nil {
		t.Fatal("expected an error re-polling a completed operation")
	}
}

func TestOperationCloseBeforeCompletionDropsOnce(t *testing.T) {
	backend := &fakeBackend{pollResult: PollResult{Ready: false}}
	req := &fakeRequest{fd: 5}
	op := newOperation[*fakeRequest](backend, 9, req)

	if _, err := op.Poll(&fakeWaker{}); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	op.Close()
	if !backend.dropped {
		t.Fatal("expected dropOp to be called")
	}
	if backend.dropHandle != 9 {
		t.Errorf("dropOp handle = %v, want 9", backend.dropHandle)
	}

	// A second Close must be a no-op: dropOp should not run twice.
	backend.dropped = false
	op.Close()
	if backend.dropped {
		t.Error("dropOp called a second time on a repeated Close")
	}
}

func TestOperationCloseAfterCompletionIsNoop(t *testing.T) {
	backend := &fakeBackend{pollResult: PollResult{Ready: true, Value: 1}}
	op := newOperation[*fakeRequest](backend, 1, &fakeRequest{})

	if _, err := op.Poll(&fakeWaker{}); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	op.Close()
	if backend.dropped {
		t.Error("dropOp should not run for an already-completed operation")
	}
}

func TestOperationPayloadReturnsRequest(t *testing.T) {
	backend := &fakeBackend{pollResult: PollResult{Ready: false}}
	req := &fakeRequest{fd: 11}
	op := newOperation[*fakeRequest](backend, 0, req)

	if got := op.Payload(); got != req {
		t.Errorf("Payload() = %v, want %v", got, req)
	}
}

func TestOperationWakerReplacementKeepsOnlyLatest(t *testing.T) {
	// Operation itself doesn't dedupe wakers across polls — that is the
	// backend's job (slab.Entry.Waker is simply overwritten). This test
	// documents that Operation.Poll always forwards the latest waker to
	// the backend rather than caching the first one.
	backend := &fakeBackend{pollResult: PollResult{Ready: false}}
	op := newOperation[*fakeRequest](backend, 0, &fakeRequest{})

	w1 := &fakeWaker{}
	w2 := &fakeWaker{}
	if _, err := op.Poll(w1); err != nil {
		t.Fatalf("Poll(w1): %v", err)
	}
	if _, err := op.Poll(w2); err != nil {
		t.Fatalf("Poll(w2): %v", err)
	}
	if backend.pollCalls != 2 {
		t.Fatalf("pollCalls = %d, want 2", backend.pollCalls)
	}
	if backend.lastWaker != Waker(w2) {
		t.Errorf("backend last received %v, want the latest waker %v", backend.lastWaker, w2)
	}
}

package slab

import "testing"

type fakeWaker struct{ woken int }

func (f *fakeWaker) Wake() { f.woken++ }

func TestInsertGetRemove(t *testing.T) {
	s := New()

	idx := s.Insert(Entry{State: Submitted})
	if idx < 0 {
		t.Fatalf("Insert returned negative index: %d", idx)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	e, ok := s.Get(idx)
	if !ok {
		t.Fatalf("Get(%d) not found", idx)
	}
	if e.State != Submitted {
		t.Errorf("State = %v, want Submitted", e.State)
	}

	removed, ok := s.Remove(idx)
	if !ok {
		t.Fatalf("Remove(%d) not found", idx)
	}
	if removed.State != Submitted {
		t.Errorf("removed.State = %v, want Submitted", removed.State)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	if _, ok := s.Get(idx); ok {
		t.Fatalf("Get(%d) found after Remove", idx)
	}
}

func TestIndexReuseAfterRemove(t *testing.T) {
	s := New()

	first := s.Insert(Entry{State: Submitted})
	if _, ok := s.Remove(first); !ok {
		t.Fatalf("Remove(%d) failed", first)
	}
	second := s.Insert(Entry{State: Submitted})
	if second != first {
		t.Errorf("expected freed index %d to be reused, got %d", first, second)
	}
}

func TestGrowAcrossChunkBoundary(t *testing.T) {
	s := New()
	indices := make([]int, chunkSize+10)
	for i := range indices {
		indices[i] = s.Insert(Entry{State: Submitted, Result: int32(i)})
	}
	if s.Len() != len(indices) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(indices))
	}
	for i, idx := range indices {
		e, ok := s.Get(idx)
		if !ok {
			t.Fatalf("Get(%d) not found after growing past chunk boundary", idx)
		}
		if e.Result != int32(i) {
			t.Errorf("entry %d: Result = %d, want %d", idx, e.Result, i)
		}
	}
}

func TestStableAddressAcrossGrowth(t *testing.T) {
	s := New()
	first := s.Insert(Entry{State: Submitted, Result: 42})
	ptrBefore, _ := s.Get(first)

	for i := 0; i < chunkSize*2; i++ {
		s.Insert(Entry{State: Submitted})
	}

	ptrAfter, ok := s.Get(first)
	if !ok {
		t.Fatalf("Get(%d) not found after growth", first)
	}
	if ptrBefore != ptrAfter {
		t.Errorf("entry address moved across slab growth: %p != %p", ptrBefore, ptrAfter)
	}
	if ptrAfter.Result != 42 {
		t.Errorf("Result = %d, want 42", ptrAfter.Result)
	}
}

func TestInPlaceMutationDoesNotDisturbAddress(t *testing.T) {
	s := New()
	idx := s.Insert(Entry{State: Submitted})

	w := &fakeWaker{}
	e, _ := s.Get(idx)
	e.State = Waiting
	e.Waker = w

	e2, ok := s.Get(idx)
	if !ok {
		t.Fatal("entry missing after mutation")
	}
	if e2.State != Waiting {
		t.Errorf("State = %v, want Waiting", e2.State)
	}
	e2.Waker.Wake()
	if w.woken != 1 {
		t.Errorf("woken = %d, want 1", w.woken)
	}
}

func TestGetUnknownIndex(t *testing.T) {
	s := New()
	if _, ok := s.Get(-1); ok {
		t.Error("Get(-1) should not be found")
	}
	if _, ok := s.Get(0); ok {
		t.Error("Get(0) should not be found on empty slab")
	}
}

func TestRemoveClearsPayloadReference(t *testing.T) {
	s := New()
	payload := make([]byte, 1024)
	idx := s.Insert(Entry{State: Ignored, Payload: payload})

	e, _ := s.Get(idx)
	if e.Payload == nil {
		t.Fatal("expected payload to be retained while Ignored")
	}

	removed, _ := s.Remove(idx)
	if removed.Payload == nil {
		t.Error("Remove should return the final entry including its payload")
	}

	next := s.Insert(Entry{State: Submitted})
	if next != idx {
		t.Fatalf("expected reused index %d, got %d", idx, next)
	}
	e2, _ := s.Get(next)
	if e2.Payload != nil {
		t.Error("reused slot should not retain the previous occupant's payload")
	}
}

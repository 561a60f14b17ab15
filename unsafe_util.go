package iodriver

import "unsafe"

// ptrOf returns the address of b as an unsafe.Pointer, which callers convert
// to a uintptr for a kernel submission-queue entry. Callers must keep the backing buffer alive until
// the kernel releases it — Operation's drop semantics exist precisely to
// guarantee that.
func ptrOf(b *byte) unsafe.Pointer {
	return unsafe.Pointer(b)
}

//go:build linux

// Package uring wraps the pure-Go io_uring bindings used by the completion
// backend: ring setup, SQE acquisition, batched submission, and CQE
// draining. It exists as a thin seam between CompletionDriver and the
// underlying library so the driver's park/submit logic can be grounded on a
// stable, minimal surface instead of the full giouring API.
package uring

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/iodriver/internal/logging"
)

// SQE is the subset of giouring.SubmissionQueueEntry callers need: set the
// opcode-specific fields, then UserData to bind it to a slab index or
// sentinel.
type SQE = giouring.SubmissionQueueEntry

// CQE is the subset of giouring.CompletionQueueEvent callers need.
type CQE = giouring.CompletionQueueEvent

// Config configures ring creation.
type Config struct {
	Entries uint32
}

// Option mutates a Config. Functional options mirror how the rest of the
// ecosystem configures ring creation.
type Option func(*Config)

// WithEntries sets the submission-ring depth.
func WithEntries(n uint32) Option { return func(c *Config) { c.Entries = n } }

func defaultConfig() Config {
	return Config{Entries: 256}
}

// Ring owns one completion-ring instance: the submission queue, the
// completion queue, and the kernel's shared memory backing both.
type Ring struct {
	r *giouring.Ring
}

// New creates a ring with the given options.
func New(opts ...Option) (*Ring, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}

	logging.Default().Debug("io_uring ring created", "entries", cfg.Entries)
	return &Ring{r: ring}, nil
}

// Close releases the ring's kernel resources.
func (ring *Ring) Close() {
	ring.r.QueueExit()
}

// GetSQE returns the next free submission queue entry, or nil if the queue
// is full. Callers must flush (via Submit/SubmitAndWait) before the slot can
// be reused.
func (ring *Ring) GetSQE() *SQE {
	return ring.r.GetSQE()
}

// Submit flushes prepared SQEs without waiting for any completion.
func (ring *Ring) Submit() (uint, error) {
	n, err := ring.r.Submit()
	return n, err
}

// SubmitAndWait flushes prepared SQEs and blocks until at least waitNr
// completions are available (0 meaning don't block at all beyond the flush).
func (ring *Ring) SubmitAndWait(waitNr uint32) (uint, error) {
	n, err := ring.r.SubmitAndWait(uint(waitNr))
	return n, err
}

// PeekBatchCQE fills cqes with as many ready completions as fit, without
// consuming them, and returns the count filled.
func (ring *Ring) PeekBatchCQE(cqes []*CQE) uint32 {
	return ring.r.PeekBatchCQE(cqes)
}

// CQAdvance marks n completions (previously returned by PeekBatchCQE) as
// consumed, freeing their CQ slots.
func (ring *Ring) CQAdvance(n uint32) {
	ring.r.CQAdvance(n)
}

// SQSpaceLeft reports how many more SQEs can be queued before a flush is
// required.
func (ring *Ring) SQSpaceLeft() uint32 {
	return ring.r.SQSpaceLeft()
}

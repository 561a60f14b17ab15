//go:build !linux

package uring

import "errors"

// ErrUnsupported is returned by New on platforms without io_uring. The
// completion backend is Linux-only; callers on other platforms must use the
// readiness backend instead.
var ErrUnsupported = errors.New("uring: io_uring is only available on linux")

// SQE and CQE are opaque placeholders on non-linux platforms; no code path
// ever constructs one since New always fails.
type SQE struct{}
type CQE struct{}

type Config struct {
	Entries uint32
}

type Option func(*Config)

func WithEntries(n uint32) Option { return func(c *Config) { c.Entries = n } }

type Ring struct{}

func New(opts ...Option) (*Ring, error) {
	return nil, ErrUnsupported
}

func (ring *Ring) Close()                                {}
func (ring *Ring) GetSQE() *SQE                           { return nil }
func (ring *Ring) Submit() (uint, error)                  { return 0, ErrUnsupported }
func (ring *Ring) SubmitAndWait(waitNr uint32) (uint, error) {
	return 0, ErrUnsupported
}
func (ring *Ring) PeekBatchCQE(cqes []*CQE) uint32 { return 0 }
func (ring *Ring) CQAdvance(n uint32)              {}
func (ring *Ring) SQSpaceLeft() uint32             { return 0 }

package iodriver

import "time"

// Driver is the capability the executor holds on top of whichever backend
// is active: install it as current for a scope, flush pending submissions,
// block for progress, or hand out an UnparkHandle a foreign thread can use
// to interrupt a park in progress.
type Driver interface {
	With(scope func())
	Submit() error
	Park() error
	ParkTimeout(timeout time.Duration) error
	Unpark() UnparkHandle
	Close() error
}

// UnparkHandle lets a foreign thread interrupt this driver's Park call. It
// must be safe to call from any goroutine regardless of which OS thread it
// is scheduled on.
type UnparkHandle interface {
	Unpark() error
}

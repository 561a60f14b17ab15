// Package driverr provides the structured error taxonomy shared by both
// driver backends.
package driverr

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is the high-level error category, matching the driver's error
// taxonomy: transient failures the driver recovers from locally, operation
// errors surfaced verbatim to the awaiting task, and programmer misuse.
type Code string

const (
	CodeSubmissionFailure Code = "submission failure"
	CodeInterrupted       Code = "interrupted"
	CodeOperationError    Code = "operation error"
	CodeCanceled          Code = "canceled"
	CodeMisuse            Code = "misuse"
)

// Error is the structured error type produced by both backends.
type Error struct {
	Op    string        // operation that failed, e.g. "park", "submit", "register"
	Index int           // slab index / token (-1 if not applicable)
	Code  Code          // high-level error category
	Errno syscall.Errno // kernel errno (0 if not applicable)
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Index >= 0 {
		parts = append(parts, fmt.Sprintf("index=%d", e.Index))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("iodriver: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("iodriver: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a structured error with no associated index or errno.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Index: -1, Code: code, Msg: msg}
}

// NewIndexed creates a structured error scoped to a slab index or token.
func NewIndexed(op string, index int, code Code, msg string) *Error {
	return &Error{Op: op, Index: index, Code: code, Msg: msg}
}

// WrapErrno wraps a kernel errno with the matching error code.
func WrapErrno(op string, index int, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Index: index,
		Code:  mapErrnoToCode(errno),
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// Wrap wraps an arbitrary error with driver context, mapping syscall.Errno
// values to their taxonomy code and passing structured *Error values through
// unchanged except for the operation label.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Index: de.Index,
			Code:  de.Code,
			Errno: de.Errno,
			Msg:   de.Msg,
			Inner: de.Inner,
		}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return WrapErrno(op, -1, errno)
	}
	return &Error{Op: op, Index: -1, Code: CodeOperationError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode classifies a kernel errno into the driver's taxonomy.
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ECANCELED:
		return CodeCanceled
	case syscall.EINTR:
		return CodeInterrupted
	case syscall.EAGAIN, syscall.EBUSY:
		return CodeSubmissionFailure
	default:
		return CodeOperationError
	}
}

// IsCode reports whether err (or something it wraps) carries the given code.
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsCanceled reports whether err represents an operation-canceled result,
// either via the structured Canceled code or the raw ECANCELED errno.
func IsCanceled(err error) bool {
	if IsCode(err, CodeCanceled) {
		return true
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == syscall.ECANCELED
	}
	return errors.Is(err, syscall.ECANCELED)
}

// Misuse builds a MisuseError for a programmer-bug condition: submitting
// outside a driver scope, deregistering an unknown token, polling a removed
// index. Callers panic with it; it is never expected to be recovered.
func Misuse(op, msg string) *Error {
	return &Error{Op: op, Index: -1, Code: CodeMisuse, Msg: msg}
}

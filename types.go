package iodriver

import (
	"github.com/ehrlich-b/iodriver/internal/readypoll"
	"github.com/ehrlich-b/iodriver/internal/uring"
)

// Direction selects which half of a duplex fd an operation or readiness
// slot concerns.
type Direction = readypoll.Direction

const (
	DirRead  = readypoll.Read
	DirWrite = readypoll.Write
)

// CompletionSQE is the submission-queue-entry type Request.PrepareSQE
// writes into; it is the completion backend's native kernel request format.
type CompletionSQE = uring.SQE

// Package graph provides the core execution kernel for DashFlow: graph
// construction and compilation, the run loop with recursion, timeout,
// and cancellation bounds, and bounded parallel fan-out with state
// merge.
package graph

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classifications surfaced to
// callers. Every error produced by this package carries exactly one.
type ErrorKind string

// Error kinds.
const (
	// KindValidation covers graph construction and compile failures.
	KindValidation ErrorKind = "validation"

	// KindNode is a failure returned (or panicked) by a node function.
	KindNode ErrorKind = "node"

	// KindRouting is an unroutable conditional edge: no target for the
	// predicate's label, or a predicate that panicked.
	KindRouting ErrorKind = "routing"

	// KindRecursion is the recursion limit tripping.
	KindRecursion ErrorKind = "recursion"

	// KindTimeout is a node or graph deadline expiring.
	KindTimeout ErrorKind = "timeout"

	// KindMerge is a parallel step in which every branch failed.
	KindMerge ErrorKind = "merge"

	// KindCheckpoint is a checkpoint save failure that halted the run.
	KindCheckpoint ErrorKind = "checkpoint"

	// KindCancelled is cooperative cancellation taking effect.
	KindCancelled ErrorKind = "cancelled"

	// KindIO is an infrastructure I/O failure outside checkpointing.
	KindIO ErrorKind = "io"
)

// Error is the structured error type for the kernel.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Code is a machine-readable detail code, e.g. "DUPLICATE_NODE".
	Code string

	// Node names the node involved, empty for run-level failures.
	Node string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Node != "" {
		msg = "node " + e.Node + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, msg, e.Cause)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the ErrorKind of err, or "" when err does not carry
// one.
func KindOf(err error) ErrorKind {
	if ge, ok := AsError(err); ok {
		return ge.Kind
	}
	return ""
}

func validationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Package rpcerr defines the error kinds a call can fail with.
//
// Callers branch on them with errors.Is / errors.As:
//
//	ErrDeadlineExceeded   local timeout before a response arrived
//	ErrTransportClosed    the connection ended cleanly (or was closed locally) while the call was pending
//	*TransportError       I/O or framing failure reading or writing envelopes
//	*ApplicationError     the remote handler returned a business failure
//	*SerializationError   the payload could not be encoded or decoded
//
// Only ApplicationError originates in business code; everything else is an infrastructure fault.
package rpcerr

import (
	"context"
	"errors"
)

// Wire codes carried in a response envelope next to the error message.
const (
	CodeSerialization  = "serialization"
	CodeNotImplemented = "not_implemented"
	CodeInternal       = "internal"
	CodeRateLimited    = "rate_limited"
)

type deadlineExceededError struct{}

func (deadlineExceededError) Error() string   { return "rpc: deadline exceeded" }
func (deadlineExceededError) Timeout() bool   { return true }
func (deadlineExceededError) Temporary() bool { return true }

// Is lets errors.Is(ErrDeadlineExceeded, context.DeadlineExceeded) succeed, so code
// that only knows about context deadlines still recognizes it.
func (deadlineExceededError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

var (
	// ErrDeadlineExceeded is returned when a call's deadline elapses before its response arrives.
	ErrDeadlineExceeded error = deadlineExceededError{}

	// ErrTransportClosed is returned for calls that were pending, or issued, after the
	// connection was closed by the peer or locally.
	ErrTransportClosed = errors.New("rpc: transport closed")

	// ErrIDSpaceExhausted is returned when every request id is held by an outstanding call.
	ErrIDSpaceExhausted = errors.New("rpc: request id space exhausted")
)

// TransportError wraps an I/O or framing failure on a transport.
type TransportError struct {
	Op  string // "send", "receive", "dial", "accept"
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "rpc: transport " + e.Op + " failed"
	}
	return "rpc: transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is a failure reported by the remote handler. It travels inside a
// response envelope and never affects the connection.
type ApplicationError struct {
	Code    string
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Code != "" {
		return e.Message + " (" + e.Code + ")"
	}
	return e.Message
}

// ErrorCode returns the error code associated with the error.
func (e *ApplicationError) ErrorCode() string {
	return e.Code
}

// SerializationError reports that a payload could not be encoded or decoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return "rpc: serialization: " + e.Err.Error()
}

func (e *SerializationError) Unwrap() error { return e.Err }

// NewApplicationError builds an ApplicationError with the given code and message.
func NewApplicationError(code, msg string) *ApplicationError {
	return &ApplicationError{Code: code, Message: msg}
}

// IsInfrastructure reports whether err is a framework or transport fault rather than a
// business outcome reported by the remote handler.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	var appErr *ApplicationError
	return !errors.As(err, &appErr)
}

// FromContext maps the error of an ended context onto the errors callers see:
// ErrDeadlineExceeded for an elapsed deadline, the context's own error otherwise.
func FromContext(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return err
}

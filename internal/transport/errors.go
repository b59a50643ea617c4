package transport

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectionClosed = errors.New("connection closed by peer")
	ErrTimeout          = errors.New("i/o timeout")
	ErrLineTooLong      = errors.New("line exceeds maximum length")
	ErrRetired          = errors.New("stream has been upgraded and can no longer be used")
	ErrAlreadyTLS       = errors.New("stream is already using TLS")
	ErrTLSUpgradeFailed = errors.New("tls upgrade failed")
)

// IOError wraps a failure reported by the underlying connection.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// ShortWriteError is returned when the connection accepted fewer bytes than
// were handed to it.
type ShortWriteError struct {
	Requested int
	Written   int
	Err       error
}

func (e *ShortWriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("short write: %d of %d bytes: %v", e.Written, e.Requested, e.Err)
	}
	return fmt.Sprintf("short write: %d of %d bytes", e.Written, e.Requested)
}

func (e *ShortWriteError) Unwrap() error {
	return e.Err
}

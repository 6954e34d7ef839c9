// Package errs defines the sentinel error kinds shared across the
// connectivity core and a context-carrying wrapper in the style of the
// project's net-layer error type.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Use errors.Is against these, never string matching.
var (
	ErrUnreachable             = errors.New("endpoint unreachable")
	ErrTimeout                 = errors.New("operation timed out")
	ErrDecoyAborted            = errors.New("http decoy aborted before completion")
	ErrBadHandshake            = errors.New("bad handshake response")
	ErrUnsupportedProtocolVersion = errors.New("unsupported protocol version")
	ErrUnsupportedBeaconVersion   = errors.New("unsupported beacon version")
	ErrUnsupportedFamily          = errors.New("unsupported address family")
	ErrSelfConnection             = errors.New("self connection rejected")
	ErrDuplicateVirtual           = errors.New("duplicate connection: existing virtual connection kept")
	ErrDuplicateReal              = errors.New("duplicate connection: existing real connection kept")
	ErrDuplicateNotReconciled     = errors.New("duplicate connection could not be reconciled")
	ErrDuplicateRejected          = errors.New("connection rejected as duplicate by remote")
	ErrConnectInProgress          = errors.New("connection attempt to this endpoint already in progress")
	ErrDisposed                   = errors.New("component disposed")
)

// ConnError wraps an underlying error with the operation and address it
// occurred on, following the project's net.ToxNetError wrapping convention
// so callers can still errors.Is/errors.As through to a sentinel.
type ConnError struct {
	Op   string // e.g. "connect", "accept", "handshake"
	Addr string // address involved, if any
	Err  error
}

func (e *ConnError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("meshconnect %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("meshconnect %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// Wrap builds a ConnError for op/addr around err. Returns nil if err is nil.
func Wrap(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{Op: op, Addr: addr, Err: err}
}

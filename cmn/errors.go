package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode is the closed error-code taxonomy crossing the gfmd-channel wire
// boundary (spec.md §6/§7). Upward-facing code only ever sees this set plus
// the Go-native connection errors that CONNECTION_ABORTED wraps.
type ErrCode int32

const (
	NoError ErrCode = iota
	Expired
	InvalidRemotePeer
	OperationNotPermitted
	OperationTimedOut
	ConnectionAborted
	UnexpectedEOF
	Protocol
	NoSuchObject
	NoMemory
)

func (c ErrCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case Expired:
		return "EXPIRED"
	case InvalidRemotePeer:
		return "INVALID_REMOTE_PEER"
	case OperationNotPermitted:
		return "OPERATION_NOT_PERMITTED"
	case OperationTimedOut:
		return "OPERATION_TIMED_OUT"
	case ConnectionAborted:
		return "CONNECTION_ABORTED"
	case UnexpectedEOF:
		return "UNEXPECTED_EOF"
	case Protocol:
		return "PROTOCOL"
	case NoSuchObject:
		return "NO_SUCH_OBJECT"
	case NoMemory:
		return "NO_MEMORY"
	default:
		return fmt.Sprintf("ErrCode(%d)", int32(c))
	}
}

// Error wraps an ErrCode with optional underlying cause, the way the
// original's gfarm_error_t carries a fixed code but C call sites attach
// errno context in log messages.
type Error struct {
	Code  ErrCode
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError wraps cause with code, attaching a stack via pkg/errors so
// transient-vs-fatal classification further up the stack can log
// `%+v` and get a trace back to the originating I/O failure.
func NewError(code ErrCode, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Code: code, Cause: cause}
}

// CodeOf extracts the ErrCode carried by err, or NoError/ConnectionAborted
// heuristics for errors that didn't originate from this package.
func CodeOf(err error) ErrCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ConnectionAborted
}

// IsTransient reports whether err belongs to the "transient" taxonomy class
// (spec.md §7): safe to disconnect the one slave without failing the commit.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case OperationTimedOut, ConnectionAborted, UnexpectedEOF:
		return true
	default:
		return false
	}
}

// IsSlaveFatal reports whether err requires flagging the slave out-of-sync
// or error and disconnecting it, per spec.md §7 "Slave-fatal".
func IsSlaveFatal(err error) bool {
	switch CodeOf(err) {
	case Expired, Protocol:
		return true
	default:
		return false
	}
}

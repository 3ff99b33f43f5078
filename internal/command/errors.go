package command

import (
	"context"
	"errors"

	"github.com/FluidXR/frameolink/internal/adb"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCommandTimeout means the command did not finish in time. The
	// session is kept.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrBackendUnavailable means the request was not admitted: the queue
	// is full, the dispatcher is closed, or no session came up in time.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// ErrorKind is a stable name for a failure, safe to hand to API callers.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindInvalidRequest     ErrorKind = "invalid_request"
	ErrorKindBackendUnavailable ErrorKind = "backend_unavailable"
	ErrorKindCommandTimeout     ErrorKind = "command_timeout"
	ErrorKindSessionLost        ErrorKind = "session_lost"
	ErrorKindAuthTimeout        ErrorKind = "auth_timeout"
	ErrorKindPermission         ErrorKind = "permission_denied"
	ErrorKindDeviceNotFound     ErrorKind = "device_not_found"
	ErrorKindConnection         ErrorKind = "connection_error"
	ErrorKindProtocol           ErrorKind = "protocol_error"
	ErrorKindStreamOpen         ErrorKind = "stream_open_failed"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindNonZeroExit        ErrorKind = "nonzero_exit"
	ErrorKindNoExitStatus       ErrorKind = "no_exit_status"
	ErrorKindInternal           ErrorKind = "internal"
)

// KindOf maps err to its ErrorKind. The most specific cause wins.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrInvalidRequest):
		return ErrorKindInvalidRequest
	case errors.Is(err, ErrBackendUnavailable):
		return ErrorKindBackendUnavailable
	case errors.Is(err, ErrCommandTimeout):
		return ErrorKindCommandTimeout
	case errors.Is(err, adb.ErrSessionLost):
		return ErrorKindSessionLost
	case errors.Is(err, adb.ErrAuthTimeout):
		return ErrorKindAuthTimeout
	case errors.Is(err, adb.ErrPermission):
		return ErrorKindPermission
	case errors.Is(err, adb.ErrDeviceNotFound):
		return ErrorKindDeviceNotFound
	case errors.Is(err, adb.ErrConnection), errors.Is(err, adb.ErrConnectionTimeout), errors.Is(err, adb.ErrConnectionRefused):
		return ErrorKindConnection
	case errors.Is(err, adb.ErrProtocol):
		return ErrorKindProtocol
	case errors.Is(err, adb.ErrStreamOpen):
		return ErrorKindStreamOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindCancelled
	default:
		return ErrorKindInternal
	}
}

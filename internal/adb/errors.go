package adb

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches any *ConnectionError.
	ErrConnection        = errors.New("adb: connection error")
	ErrDeviceNotFound    = errors.New("adb: device not found")
	ErrPermission        = errors.New("adb: permission denied")
	ErrConnectionTimeout = errors.New("adb: connection timed out")
	ErrConnectionRefused = errors.New("adb: connection refused")

	// ErrProtocol matches any *ProtocolError.
	ErrProtocol    = errors.New("adb: protocol error")
	ErrAuthTimeout = errors.New("adb: device did not approve the key in time")
	// ErrStreamOpen matches any *StreamOpenError.
	ErrStreamOpen  = errors.New("adb: stream open failed")
	ErrSessionLost = errors.New("adb: session lost")
)

// ConnectionError reports that the device could not be reached.
type ConnectionError struct {
	Target Target
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolError reports a malformed or unexpected frame. It is always fatal
// to the session that saw it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "adb protocol: " + e.Reason }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// StreamOpenError reports that the device refused or never answered an OPEN.
type StreamOpenError struct {
	Destination string
	Err         error
}

func (e *StreamOpenError) Error() string {
	return fmt.Sprintf("open %q: %v", e.Destination, e.Err)
}

func (e *StreamOpenError) Unwrap() error { return e.Err }

func (e *StreamOpenError) Is(target error) bool { return target == ErrStreamOpen }

package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Connection errors
	ErrNotConnected      = errors.New("not connected")
	ErrConnectTimeout    = errors.New("connection attempt timed out")
	ErrPongTimeout       = errors.New("no pong received within keep-alive window")
	ErrReconnectFailed   = errors.New("reconnection attempts exhausted")
	ErrServerUnavailable = errors.New("server unavailable")

	// Message errors
	ErrInvalidMessage = errors.New("invalid message")
	ErrMissingType    = errors.New("message has no type")

	// Execution errors
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrNoActiveExecution  = errors.New("no active execution")
	ErrExecutionFinalized = errors.New("execution already finalized")
	ErrHistoryDisabled    = errors.New("execution history disabled")

	// Configuration errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingRequired = errors.New("missing required field")

	// Storage errors
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("daemon not running")
	ErrInvalidPIDFile   = errors.New("invalid PID file")
)

// Wrap wraps an error with additional context
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is checks if the error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As checks if the error can be unwrapped to the target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Subsystem names used in adapter errors.
const (
	SubsystemRuntime   = "runtime"
	SubsystemSandbox   = "sandbox"
	SubsystemStreaming = "streaming"
)

// Error describes a failed adapter call. Timeout errors are transient and
// retried by the engine; Fatal ones are not.
type Error struct {
	Subsystem string
	Op        string
	Timeout   bool
	Fatal     bool
	Err       error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("AdapterTimeout: %s %s: %v", e.Subsystem, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Subsystem, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err as an adapter error for the given subsystem and
// operation. Deadline expiry is marked as a timeout; context cancellation
// passes through unchanged so callers can recognize an aborted provision.
func Wrap(subsystem, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{
		Subsystem: subsystem,
		Op:        op,
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}

// Fatal marks err as non-retryable for the given subsystem and operation.
func Fatal(subsystem, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Subsystem: subsystem, Op: op, Fatal: true, Err: err}
}

// IsTimeout reports whether err is a timed-out adapter call.
func IsTimeout(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Timeout
}

// IsFatal reports whether err is a non-retryable adapter failure.
func IsFatal(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Fatal
}

package device

import (
	"errors"
	"fmt"
)

// Normalized command failure reasons. Stable CAPS tokens so callers can
// match with errors.Is across wrapping layers.
var (
	ErrTimeout      = errors.New("TIMEOUT")
	ErrRejected     = errors.New("REJECTED")
	ErrDisconnected = errors.New("DISCONNECTED")
	ErrCancelled    = errors.New("CANCELLED")
	ErrOverloaded   = errors.New("OVERLOADED")
)

// CommandError is surfaced to the specific caller that submitted a
// command. It never fails other in-flight or future commands, except
// DISCONNECTED which fails only commands bound to the retired generation.
type CommandError struct {
	Reason  error // one of the sentinels above
	Command string
	Cause   error // underlying transport or device error, if any
}

func (e *CommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command %s: %v: %v", e.Command, e.Reason, e.Cause)
	}
	return fmt.Sprintf("command %s: %v", e.Command, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Reason
}

// NewCommandError wraps a failure reason for one command.
func NewCommandError(reason error, command string, cause error) *CommandError {
	return &CommandError{Reason: reason, Command: command, Cause: cause}
}

// ConnectError reports a failed connection attempt. It is recoverable via
// the supervisor's reconnect loop and is never surfaced per-command.
type ConnectError struct {
	Reason string
	Cause  error
}

func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connect: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("connect: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopLimitExceeded is matched by LoopLimitError.
	ErrLoopLimitExceeded = errors.New("loop limit exceeded")
	// ErrAlreadyConnected is returned when a server id is connected or connecting.
	ErrAlreadyConnected = errors.New("server already connected")
	// ErrToolNotFound is matched by ToolNotFoundError.
	ErrToolNotFound = errors.New("tool not found")
	// ErrSessionClosed is returned by session operations after Unmount.
	ErrSessionClosed = errors.New("session closed")
)

// ActivationError records a node whose predicate (or template) failed. The
// node is treated as inactive.
type ActivationError struct {
	Key string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activation of %s failed: %v", e.Key, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// ServerConnectError reports a failed connection to an external tool server.
type ServerConnectError struct {
	ServerID string
	Err      error
}

func (e *ServerConnectError) Error() string {
	return fmt.Sprintf("connect server %s: %v", e.ServerID, e.Err)
}

func (e *ServerConnectError) Unwrap() error { return e.Err }

// ToolNotFoundError is produced when the model requests a tool that is not
// registered in the current context.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("Tool %s not found in current context.", e.Name)
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// ToolInvocationError wraps a tool failure: a returned error, a recovered panic
// or undecodable arguments.
type ToolInvocationError struct {
	Name   string
	CallID string
	Err    error
}

func (e *ToolInvocationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tool %s failed", e.Name)
	}
	return e.Err.Error()
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// LoopLimitError is returned when a turn exceeds its REASON step budget.
type LoopLimitError struct {
	Max int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("exceeded max reason steps: %d", e.Max)
}

func (e *LoopLimitError) Is(target error) bool { return target == ErrLoopLimitExceeded }

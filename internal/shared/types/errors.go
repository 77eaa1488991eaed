package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyActive     = errors.New("extension is already active")
	ErrInvalidState      = errors.New("invalid extension state")
	ErrSandboxTerminated = errors.New("sandbox is terminated")
	ErrBridgeClosed      = errors.New("ipc bridge closed")
	ErrShutdownTimeout   = errors.New("shutdown timed out")
)

// LoadError reports that an extension bundle failed to evaluate
type LoadError struct {
	ExtensionID string
	Err         error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load extension %s: %v", e.ExtensionID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ActivationError reports that an extension's activate hook failed
type ActivationError struct {
	ExtensionID string
	Err         error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("failed to activate extension %s: %v", e.ExtensionID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// DeactivationError reports that an extension's deactivate hook failed.
// It is logged and never blocks the transition back to installed.
type DeactivationError struct {
	ExtensionID string
	Err         error
}

func (e *DeactivationError) Error() string {
	return fmt.Sprintf("extension %s deactivate hook failed: %v", e.ExtensionID, e.Err)
}

func (e *DeactivationError) Unwrap() error { return e.Err }

// IPCTimeoutError reports that a capability call got no response in time
type IPCTimeoutError struct {
	CallID  string
	API     string
	Method  string
	Timeout time.Duration
}

func (e *IPCTimeoutError) Error() string {
	return fmt.Sprintf("api call %s.%s (%s) timed out after %s", e.API, e.Method, e.CallID, e.Timeout)
}

// ProtocolError reports an inbound message the host cannot handle
type ProtocolError struct {
	Type   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %s", e.Type, e.Reason)
}

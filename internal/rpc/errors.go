// ABOUTME: Errors returned by hub-to-agent calls.
// ABOUTME: Callers classify outcomes with errors.Is against these sentinels.

package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means the target agent had no live connection when the call started.
	ErrNotConnected = errors.New("agent not connected")

	// ErrTimeout means no response arrived before the call's deadline.
	ErrTimeout = errors.New("call timed out")

	// ErrConnectionLost means the connection carrying the call went away before a response.
	ErrConnectionLost = errors.New("agent connection lost")

	// ErrShuttingDown means the table was closed while the call was pending.
	ErrShuttingDown = errors.New("hub shutting down")

	// ErrEmptyCommand means Call was invoked without a command name.
	ErrEmptyCommand = errors.New("command is required")
)

// TimeoutError identifies the call that timed out.
type TimeoutError struct {
	CallID  string
	AgentID string
	Command string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %s (%s) to agent %s timed out", e.CallID, e.Command, e.AgentID)
}

// Is makes errors.Is(err, ErrTimeout) true for a *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

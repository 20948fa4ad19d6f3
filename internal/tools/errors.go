// Package tools provides the capability set handed to an agent's
// reasoning loop: named callables, their parameter specs, and the
// structured results they return.
//
// This file defines sentinel error types for tool lookup and binding.
package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a call targets a capability that
// is not present in the registry. This indicates a capability mismatch
// (never registered, or removed when its server was recycled), not a
// transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrDuplicateTool is returned by [Registry.Register] when a capability
// with the same name already exists.
var ErrDuplicateTool = errors.New("duplicate tool name")

// ArgumentError reports an argument that failed binding or validation.
type ArgumentError struct {
	Param  string
	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("argument %q: %s", e.Param, e.Reason)
}

// Package tool defines the callable-tool contract consumed by the turn loop and
// a few ready-made implementations: plain functions, typed functions decoded
// with mapstructure, and a built-in state tool.
package tool

import (
	"fmt"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/util"
)

// Tool is a capability the model can invoke by name.
//
// Implementations must be safe for concurrent use: calls requested in one ACT
// step run in parallel.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description is shown to the model to explain when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool with arguments decoded from the model's JSON.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Error codes used by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

package tool

import (
	"fmt"

	"github.com/hupe1980/contextree/core"
)

// StateTool lets the model read and write application state. Writes go through
// ToolContext.SetState, so they trigger a refresh of the context tree after the
// ACT step.
type StateTool struct {
	name     string
	writable map[string]struct{}
}

// NewStateTool creates the built-in "state" tool. When keys are given, only
// those keys may be written; reads are unrestricted.
func NewStateTool(keys ...string) *StateTool {
	t := &StateTool{name: "state"}
	if len(keys) > 0 {
		t.writable = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			t.writable[k] = struct{}{}
		}
	}
	return t
}

// Name returns the tool identifier.
func (t *StateTool) Name() string { return t.name }

// Description returns the tool description.
func (t *StateTool) Description() string {
	return "Reads or updates application state. Operations: get_state, set_state. " +
		"Updating state may change the instructions and tools available to you."
}

// Parameters returns the JSON schema for tool parameters.
func (t *StateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"enum":        []string{"get_state", "set_state"},
				"description": "The state operation to perform",
			},
			"key": map[string]any{
				"type":        "string",
				"description": "State key",
			},
			"value": map[string]any{
				"description": "Value for set_state (any type)",
			},
		},
		"required": []string{"operation", "key"},
	}
}

// Call implements the Tool interface.
func (t *StateTool) Call(toolCtx *core.ToolContext, args map[string]any) (any, error) {
	operation, _ := args["operation"].(string)
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, NewToolError(t.name, "key parameter is required", CodeValidation)
	}

	switch operation {
	case "get_state":
		value, exists := toolCtx.GetState(key)
		return map[string]any{"key": key, "exists": exists, "value": value}, nil
	case "set_state":
		if t.writable != nil {
			if _, ok := t.writable[key]; !ok {
				return nil, NewToolError(t.name, fmt.Sprintf("key %q is not writable", key), CodeValidation)
			}
		}
		value := args["value"]
		toolCtx.SetState(key, value)
		return map[string]any{"key": key, "value": value, "success": true}, nil
	default:
		return nil, NewToolError(t.name, fmt.Sprintf("unknown operation: %s", operation), CodeValidation)
	}
}

package tool

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/util"
)

// NewTypedTool builds a FunctionTool whose arguments are decoded into T using
// the struct's json tags. The schema is derived from T.
//
//	type searchArgs struct {
//	  Query string `json:"query" jsonschema:"description=search terms"`
//	  Limit int    `json:"limit,omitempty"`
//	}
//	search := tool.NewTypedTool("search", "Search the corpus",
//	  func(tc *core.ToolContext, a searchArgs) (any, error) { ... })
func NewTypedTool[T any](
	name, description string,
	fn func(toolCtx *core.ToolContext, args T) (any, error),
) *FunctionTool {
	var zero T
	return NewFunctionTool(name, description, util.CreateSchema(zero), func(tc *core.ToolContext, raw map[string]any) (any, error) {
		var args T
		if err := decodeArgs(raw, &args); err != nil {
			return nil, &ToolError{
				Tool:    name,
				Message: fmt.Sprintf("decode arguments: %v", err),
				Code:    CodeValidation,
			}
		}
		return fn(tc, args)
	})
}

func decodeArgs(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

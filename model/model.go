package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/contextree/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function ToolDefinition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// Request is the normalized model input. Messages starts with the system
// message when the context has a prompt.
type Request struct {
	Messages []core.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// SystemPrompt returns the content of the leading system message, if any.
func (r Request) SystemPrompt() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == core.RoleSystem {
		return r.Messages[0].Content
	}
	return ""
}

// Conversation returns the messages after the leading system message.
func (r Request) Conversation() []core.Message {
	if len(r.Messages) > 0 && r.Messages[0].Role == core.RoleSystem {
		return r.Messages[1:]
	}
	return r.Messages
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Message      core.Message `json:"message"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "gemini", "mock"
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the turn loop.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ErrEmptyResponse is returned by Invoke when the model closed its stream
// without a final response.
var ErrEmptyResponse = errors.New("model returned no response")

// Invoke calls m and drains both channels into one assistant message. Partial
// chunks are concatenated when the final response carries no text. Tool calls
// without an id get a generated one.
func Invoke(ctx context.Context, m Model, req Request) (core.Message, *TokenUsage, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    *Response
		partials strings.Builder
		genErr   error
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return core.Message{}, nil, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				partials.WriteString(resp.Message.Content)
				continue
			}
			r := resp
			final = &r
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && genErr == nil {
				genErr = err
			}
		}
	}

	if genErr != nil {
		return core.Message{}, nil, fmt.Errorf("generate: %w", genErr)
	}
	if final == nil {
		if partials.Len() == 0 {
			return core.Message{}, nil, ErrEmptyResponse
		}
		final = &Response{Message: core.Message{Content: partials.String()}}
	}

	msg := final.Message
	msg.Role = core.RoleAssistant
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	if msg.Content == "" && partials.Len() > 0 {
		msg.Content = partials.String()
	}
	if len(msg.ToolCalls) > 0 {
		calls := make([]core.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			if tc.ID == "" {
				tc.ID = core.NewID()
			}
			calls[i] = tc
		}
		msg.ToolCalls = calls
	}

	return msg, final.Usage, nil
}

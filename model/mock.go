package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/contextree/core"
)

// MockModel is a lightweight in-memory Model that answers with canned
// completions keyed by the last user message.
type MockModel struct {
	info      Info
	responses map[string]string
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// Generate implements Model; emits per-rune partial chunks when streaming, then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		conv := req.Conversation()
		if len(conv) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		input := conv[len(conv)-1].Content
		full := m.responses[input]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", input)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Message: core.Message{Role: core.RoleAssistant, Content: string(r)}}:
				}
			}
		}
		respCh <- Response{
			Message:      core.Message{Role: core.RoleAssistant, Content: full},
			FinishReason: "stop",
		}
	}()
	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

// Step is one scripted model reply. Exactly one of Message or Err is used.
type Step struct {
	Message core.Message
	Err     error
}

// ReplyText scripts a plain assistant answer.
func ReplyText(text string) Step {
	return Step{Message: core.Message{Role: core.RoleAssistant, Content: text}}
}

// ReplyToolCalls scripts an assistant turn requesting tool calls.
func ReplyToolCalls(calls ...core.ToolCall) Step {
	return Step{Message: core.Message{Role: core.RoleAssistant, ToolCalls: calls}}
}

// ReplyError scripts a failing generation.
func ReplyError(err error) Step { return Step{Err: err} }

// ErrScriptExhausted is returned when a ScriptedModel runs out of steps.
var ErrScriptExhausted = errors.New("scripted model has no more steps")

// ScriptedModel replays a fixed sequence of replies and records every request.
// It is safe for concurrent use.
type ScriptedModel struct {
	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScriptedModel creates a ScriptedModel.
func NewScriptedModel(steps ...Step) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// Generate implements Model.
func (m *ScriptedModel) Generate(_ context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var (
		step Step
		ok   bool
	)
	if len(m.steps) > 0 {
		step, m.steps, ok = m.steps[0], m.steps[1:], true
	}
	m.mu.Unlock()

	switch {
	case !ok:
		errCh <- ErrScriptExhausted
	case step.Err != nil:
		errCh <- step.Err
	default:
		finish := "stop"
		if step.Message.HasToolCalls() {
			finish = "tool_calls"
		}
		respCh <- Response{Message: step.Message, FinishReason: finish}
	}
	close(respCh)
	close(errCh)

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info {
	return Info{Name: "scripted", Provider: "mock", SupportsTools: true}
}

// Requests returns the requests received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Remaining returns the number of unconsumed steps.
func (m *ScriptedModel) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.steps)
}

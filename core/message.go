package core

import "github.com/google/uuid"

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to invoke a tool by name.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"` // raw JSON object
}

// Message is one entry of the append-only conversation.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
	Name       string     `json:"name,omitempty"`         // tool name on tool results
	IsError    bool       `json:"is_error,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message, optionally requesting tool calls.
func NewAssistantMessage(content string, calls ...ToolCall) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// NewToolResultMessage creates the result message answering the call with the given id.
func NewToolResultMessage(callID, name, content string, isError bool) Message {
	return Message{ID: NewID(), Role: RoleTool, Content: content, ToolCallID: callID, Name: name, IsError: isError}
}

// HasToolCalls reports whether the message carries pending tool-call requests.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// NewID returns a random identifier.
func NewID() string { return uuid.NewString() }

// Package flow runs the Reason/Act turn loop.
//
// A turn starts in REASON: the loop takes a snapshot of the context source,
// calls the model with the merged system prompt, the conversation and the
// visible tools, and appends the reply. A reply without tool calls ends the
// turn. Otherwise the loop enters ACT: it takes a fresh snapshot, executes
// every requested call, appends the results in request order and, when a
// Refresher is configured, lets it re-evaluate the context before the next
// REASON step.
package flow

import (
	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/registry"
)

// ContextSource provides the per-step view of the context. *registry.Registry
// implements it.
type ContextSource interface {
	Snapshot() *registry.TurnContext
}

// Result is the outcome of one turn.
type Result struct {
	// Content is the text of the final assistant message.
	Content string
	// Messages is the input conversation followed by every message the turn
	// appended.
	Messages []core.Message
	// ReasonSteps counts model invocations.
	ReasonSteps int
	// ActSteps counts tool execution rounds.
	ActSteps int
	// Refreshes counts refresher invocations.
	Refreshes int
}

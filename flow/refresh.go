package flow

import "context"

// RefreshPolicy decides when the Refresher runs after an ACT step.
type RefreshPolicy int

const (
	// RefreshAlways runs the refresher after every ACT step.
	RefreshAlways RefreshPolicy = iota
	// RefreshOnRequest runs it only when a tool called
	// ToolContext.RequestRefresh or ToolContext.SetState.
	RefreshOnRequest
)

func (p RefreshPolicy) String() string {
	switch p {
	case RefreshAlways:
		return "always"
	case RefreshOnRequest:
		return "on_request"
	}
	return "unknown"
}

// RefreshEvent is handed to the Refresher after an ACT step.
type RefreshEvent struct {
	// Step is the 1-based index of the ACT step.
	Step int
	// Requested reports whether a tool asked for a refresh.
	Requested bool
	// CallIDs lists the ids of the calls executed in the step.
	CallIDs []string
	// StateVersion is the state store version after the step, or zero
	// without a store.
	StateVersion uint64
}

// Refresher re-evaluates the context between ACT and the next REASON step.
// Errors are logged and do not end the turn.
type Refresher interface {
	Refresh(ctx context.Context, ev RefreshEvent) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, ev RefreshEvent) error

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, ev RefreshEvent) error { return f(ctx, ev) }

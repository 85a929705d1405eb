package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/testutil"
	"github.com/hupe1980/contextree/model"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/tool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func call(id, name, args string) core.ToolCall {
	return core.ToolCall{ID: id, Name: name, Arguments: args}
}

func toolResults(msgs []core.Message) []core.Message {
	var out []core.Message
	for _, m := range msgs {
		if m.Role == core.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestLoopTermination(t *testing.T) {
	reg := registry.New()
	lookup := testutil.NewRecordingTool("lookup", "found")
	reg.RegisterTool(lookup)

	m := model.NewScriptedModel(
		model.ReplyToolCalls(call("1", "lookup", `{"q":"a"}`)),
		model.ReplyToolCalls(call("2", "lookup", `{"q":"b"}`)),
		model.ReplyToolCalls(call("3", "lookup", `{"q":"c"}`)),
		model.ReplyText("done"),
	)

	res, err := NewLoop(m, reg).Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)

	assert.Equal(t, 4, res.ReasonSteps)
	assert.Equal(t, 3, res.ActSteps)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 3, lookup.CallCount())
	// user + 3 x (assistant, tool) + final assistant
	assert.Len(t, res.Messages, 8)
	assert.Equal(t, 0, m.Remaining())
}

func TestLoopSendsSystemPromptAndTools(t *testing.T) {
	reg := registry.New()
	reg.RegisterInstruction("a", "Be terse.")
	reg.RegisterTool(testutil.NewRecordingTool("calc", 4))

	m := model.NewScriptedModel(model.ReplyText("ok"))
	_, err := NewLoop(m, reg).Run(context.Background(), []core.Message{core.NewUserMessage("hi")})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Be terse.", reqs[0].SystemPrompt())
	require.Len(t, reqs[0].Conversation(), 1)
	assert.Equal(t, "hi", reqs[0].Conversation()[0].Content)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "calc", reqs[0].Tools[0].Function.Name)
}

func TestLoopOmitsEmptySystemPrompt(t *testing.T) {
	m := model.NewScriptedModel(model.ReplyText("ok"))
	_, err := NewLoop(m, registry.New()).Run(context.Background(), []core.Message{core.NewUserMessage("hi")})
	require.NoError(t, err)

	assert.Equal(t, core.RoleUser, m.Requests()[0].Messages[0].Role)
}

func TestMissingToolYieldsNotFoundResult(t *testing.T) {
	m := model.NewScriptedModel(
		model.ReplyToolCalls(call("c1", "ghost", `{}`)),
		model.ReplyText("sorry"),
	)

	res, err := NewLoop(m, registry.New()).Run(context.Background(), []core.Message{core.NewUserMessage("hi")})
	require.NoError(t, err)

	results := toolResults(res.Messages)
	require.Len(t, results, 1)
	assert.Equal(t, "Error: Tool ghost not found in current context.", results[0].Content)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "sorry", res.Content)
}

func TestLoopLimit(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("again", "more"))

	steps := make([]model.Step, 5)
	for i := range steps {
		steps[i] = model.ReplyToolCalls(call(fmt.Sprint(i), "again", ""))
	}
	m := model.NewScriptedModel(steps...)

	res, err := NewLoop(m, reg, func(o *Options) { o.MaxCycles = 2 }).
		Run(context.Background(), []core.Message{core.NewUserMessage("loop")})

	require.ErrorIs(t, err, core.ErrLoopLimitExceeded)
	var limitErr *core.LoopLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, limitErr.Max)

	require.NotNil(t, res)
	assert.Equal(t, 2, res.ReasonSteps)
	assert.Equal(t, 2, res.ActSteps)
	assert.Equal(t, 3, m.Remaining())
}

func TestLoopLimitCountsReasonSteps(t *testing.T) {
	script := func() *model.ScriptedModel {
		return model.NewScriptedModel(
			model.ReplyToolCalls(call("1", "again", "")),
			model.ReplyToolCalls(call("2", "again", "")),
			model.ReplyText("done"),
		)
	}
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("again", "more"))

	res, err := NewLoop(script(), reg, func(o *Options) { o.MaxCycles = 3 }).
		Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReasonSteps)
	assert.Equal(t, 2, res.ActSteps)

	_, err = NewLoop(script(), reg, func(o *Options) { o.MaxCycles = 2 }).
		Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	assert.ErrorIs(t, err, core.ErrLoopLimitExceeded)
}

func TestModelErrorEndsTurn(t *testing.T) {
	boom := errors.New("rate limited")
	m := model.NewScriptedModel(model.ReplyError(boom))

	res, err := NewLoop(m, registry.New()).Run(context.Background(), []core.Message{core.NewUserMessage("hi")})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.ReasonSteps)
	assert.Len(t, res.Messages, 1)
}

func TestToolFailuresBecomeResults(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("broken", nil).WithError(errors.New("disk full")))
	reg.RegisterTool(testutil.NewRecordingTool("panicky", nil).WithFunc(func(*core.ToolContext, map[string]any) (any, error) {
		panic("nil deref")
	}))
	reg.RegisterTool(testutil.NewRecordingTool("typed", nil).WithError(tool.NewToolError("typed", "bad input", tool.CodeValidation)))
	reg.RegisterTool(testutil.NewRecordingTool("ok", map[string]any{"n": 1}))

	m := model.NewScriptedModel(
		model.ReplyToolCalls(
			call("1", "broken", `{}`),
			call("2", "panicky", `{}`),
			call("3", "typed", `{}`),
			call("4", "ok", `{not json`),
			call("5", "ok", `{}`),
		),
		model.ReplyText("handled"),
	)

	res, err := NewLoop(m, reg).Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)

	results := toolResults(res.Messages)
	require.Len(t, results, 5)
	assert.Equal(t, "Error: disk full", results[0].Content)
	assert.Equal(t, "Error: panic: nil deref", results[1].Content)
	assert.Equal(t, "Error: bad input", results[2].Content)
	assert.Contains(t, results[3].Content, "Error: invalid arguments")
	assert.Equal(t, `{"n":1}`, results[4].Content)
	assert.False(t, results[4].IsError)
}

func TestParallelResultsKeepRequestOrder(t *testing.T) {
	reg := registry.New()
	var inFlight, peak atomic.Int32
	for _, name := range []string{"slow", "fast"} {
		delay := time.Millisecond
		if name == "slow" {
			delay = 30 * time.Millisecond
		}
		reg.RegisterTool(testutil.NewRecordingTool(name, nil).WithFunc(func(tc *core.ToolContext, _ map[string]any) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(delay)
			inFlight.Add(-1)
			return tc.ToolName(), nil
		}))
	}

	m := model.NewScriptedModel(
		model.ReplyToolCalls(call("a", "slow", ""), call("b", "fast", ""), call("c", "slow", "")),
		model.ReplyText("ok"),
	)

	res, err := NewLoop(m, reg, func(o *Options) { o.MaxParallel = 2 }).
		Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)

	results := toolResults(res.Messages)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ToolCallID, results[1].ToolCallID, results[2].ToolCallID})
	assert.Equal(t, "slow", results[0].Content)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestActUsesFreshSnapshot(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("first", nil).WithFunc(func(*core.ToolContext, map[string]any) (any, error) {
		reg.UnregisterTool("second")
		return "ok", nil
	}))
	reg.RegisterTool(testutil.NewRecordingTool("second", "x"))

	m := model.NewScriptedModel(
		model.ReplyToolCalls(call("1", "first", "")),
		model.ReplyToolCalls(call("2", "second", "")),
		model.ReplyText("end"),
	)

	res, err := NewLoop(m, reg).Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)

	results := toolResults(res.Messages)
	require.Len(t, results, 2)
	assert.Equal(t, "Error: Tool second not found in current context.", results[1].Content)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.Len(t, reqs[1].Tools, 1)
}

func TestRefreshPolicies(t *testing.T) {
	newReg := func() *registry.Registry {
		reg := registry.New()
		reg.RegisterTool(testutil.NewRecordingTool("read", "r"))
		reg.RegisterTool(testutil.NewRecordingTool("write", nil).WithFunc(func(tc *core.ToolContext, _ map[string]any) (any, error) {
			tc.SetState("written", true)
			return "w", nil
		}))
		return reg
	}
	script := func() *model.ScriptedModel {
		return model.NewScriptedModel(
			model.ReplyToolCalls(call("1", "read", "")),
			model.ReplyToolCalls(call("2", "write", "")),
			model.ReplyText("done"),
		)
	}

	tests := []struct {
		name   string
		policy RefreshPolicy
		want   []bool
	}{
		{name: "always", policy: RefreshAlways, want: []bool{false, true}},
		{name: "on request", policy: RefreshOnRequest, want: []bool{true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := core.NewStateStore(nil)
			var events []RefreshEvent
			loop := NewLoop(script(), newReg(), func(o *Options) {
				o.State = state
				o.RefreshPolicy = tt.policy
				o.Refresher = RefresherFunc(func(_ context.Context, ev RefreshEvent) error {
					events = append(events, ev)
					return nil
				})
			})

			res, err := loop.Run(context.Background(), []core.Message{core.NewUserMessage("go")})
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), res.Refreshes)

			got := make([]bool, len(events))
			for i, ev := range events {
				got[i] = ev.Requested
			}
			assert.Equal(t, tt.want, got)

			last := events[len(events)-1]
			assert.Equal(t, 2, last.Step)
			assert.Equal(t, []string{"2"}, last.CallIDs)
			assert.Equal(t, state.Version(), last.StateVersion)
			assert.Equal(t, true, state.Snapshot()["written"])
		})
	}
}

func TestRefresherErrorIsLogged(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("t", "x"))
	m := model.NewScriptedModel(model.ReplyToolCalls(call("1", "t", "")), model.ReplyText("ok"))

	loop := NewLoop(m, reg, func(o *Options) {
		o.Refresher = RefresherFunc(func(context.Context, RefreshEvent) error { return errors.New("render failed") })
	})
	res, err := loop.Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
}

func TestRefreshChangesNextReason(t *testing.T) {
	reg := registry.New()
	reg.RegisterTool(testutil.NewRecordingTool("unlock", "ok"))

	m := model.NewScriptedModel(model.ReplyToolCalls(call("1", "unlock", "")), model.ReplyText("ok"))
	loop := NewLoop(m, reg, func(o *Options) {
		o.Refresher = RefresherFunc(func(context.Context, RefreshEvent) error {
			reg.RegisterInstruction("unlocked", "Admin mode.")
			return nil
		})
	})

	_, err := loop.Run(context.Background(), []core.Message{core.NewUserMessage("go")})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "", reqs[0].SystemPrompt())
	assert.Equal(t, "Admin mode.", reqs[1].SystemPrompt())
}

func TestInputIsNotModified(t *testing.T) {
	in := []core.Message{core.NewUserMessage("hi")}
	m := model.NewScriptedModel(model.ReplyText("ok"))

	res, err := NewLoop(m, registry.New()).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, in, 1)
	assert.Len(t, res.Messages, 2)
}

func TestRefreshPolicyString(t *testing.T) {
	assert.Equal(t, "always", RefreshAlways.String())
	assert.Equal(t, "on_request", RefreshOnRequest.String())
}

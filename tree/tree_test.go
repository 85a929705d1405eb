package tree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/testutil"
	"github.com/hupe1980/contextree/server"
)

func keys(r *Rendered) []string {
	var out []string
	for _, e := range r.Entries() {
		out = append(out, e.Key)
	}
	return out
}

func TestRenderKeys(t *testing.T) {
	root := Nodes(
		Instruction{Text: "a"},
		Instruction{ID: "b", Text: "b"},
		Group{Children: []Node{
			Tool{Tool: testutil.NewRecordingTool("x", nil)},
		}},
		Group{ID: "docs", Children: []Node{Supplement{Text: "s"}}},
		Server{Config: server.Config{ID: "files", Command: "fs"}},
		Server{ID: "explicit", Config: server.Config{ID: "other", Command: "fs"}},
	)

	r := Render(root, nil)
	assert.Equal(t, []string{
		"instruction@0.0",
		"instruction:b",
		"tool@0.2.0",
		"supplement@docs.0",
		"server:files",
		"server:explicit",
	}, keys(r))

	for _, e := range r.Entries() {
		assert.True(t, e.Active, e.Key)
	}
	e, ok := r.Lookup("tool@0.2.0")
	require.True(t, ok)
	assert.Equal(t, "x", e.Tool.Name())
}

func TestRenderDuplicateIDFallsBackToPath(t *testing.T) {
	r := Render(Nodes(
		Instruction{ID: "dup", Text: "one"},
		Instruction{ID: "dup", Text: "two"},
	), nil)
	assert.Equal(t, []string{"instruction:dup", "instruction@0.1"}, keys(r))
}

func TestRenderDuplicateGroupIDKeepsChildren(t *testing.T) {
	r := Render(Nodes(
		Group{ID: "faq", Children: []Node{Instruction{Text: "Shipping FAQ"}}},
		Group{ID: "faq", Children: []Node{Instruction{Text: "Billing FAQ"}}},
	), nil)
	require.Equal(t, []string{"instruction@faq.0", "instruction@0.1.0"}, keys(r))

	var texts []string
	for _, e := range r.Active() {
		texts = append(texts, e.Text)
	}
	assert.Equal(t, []string{"Shipping FAQ", "Billing FAQ"}, texts)
}

func TestRenderGroupIDShapedLikePathFallsBack(t *testing.T) {
	r := Render(Nodes(
		Group{ID: "1", Children: []Node{Instruction{Text: "a"}}},
		Group{ID: "a.b", Children: []Node{Instruction{Text: "b"}}},
	), nil)
	assert.Equal(t, []string{"instruction@0.0.0", "instruction@0.1.0"}, keys(r))
}

func TestInactiveGroupSkipsDescendants(t *testing.T) {
	called := false
	root := Nodes(Group{
		When: Flag("enabled"),
		Children: []Node{
			Instruction{Text: "hidden", When: When(func(core.State) bool { called = true; return true })},
		},
	})

	r := Render(root, core.State{"enabled": false})
	require.Equal(t, 1, r.Len())
	assert.False(t, r.Entries()[0].Active)
	assert.False(t, called)

	r = Render(root, core.State{"enabled": true})
	assert.True(t, r.Entries()[0].Active)
	assert.True(t, called)
}

func TestPredicateFailuresDeactivateNode(t *testing.T) {
	root := Nodes(
		Instruction{ID: "err", Text: "x", When: func(core.State) (bool, error) { return false, errors.New("bad") }},
		Instruction{ID: "panic", Text: "x", When: func(core.State) (bool, error) { panic("boom") }},
		Instruction{ID: "tpl", Text: "{{ .missing.field.deeper | upper }}"},
		Instruction{ID: "ok", Text: "fine"},
	)

	r := Render(root, nil)
	require.Equal(t, 4, r.Len())
	for _, k := range []string{"instruction:err", "instruction:panic"} {
		e, _ := r.Lookup(k)
		assert.False(t, e.Active, k)
		var ae *core.ActivationError
		assert.ErrorAs(t, e.Err, &ae, k)
	}
	ok, _ := r.Lookup("instruction:ok")
	assert.True(t, ok.Active)
	assert.GreaterOrEqual(t, len(r.Errors()), 2)
}

func TestRenderAppliesTemplate(t *testing.T) {
	r := Render(Nodes(Instruction{ID: "greet", Text: "Hello {{ .user }}"}), core.State{"user": "ada"})
	e, _ := r.Lookup("instruction:greet")
	assert.Equal(t, "Hello ada", e.Text)
}

func TestRenderDoesNotLeakPredicateMutations(t *testing.T) {
	state := core.State{"n": 1}
	Render(Nodes(Instruction{Text: "x", When: When(func(s core.State) bool { s["n"] = 2; return true })}), state)
	assert.Equal(t, 1, state["n"])
}

func TestPredicates(t *testing.T) {
	s := core.State{"on": true, "mode": "pro", "n": 3}
	tests := []struct {
		name string
		p    Predicate
		want bool
	}{
		{"always", Always(), true},
		{"flag", Flag("on"), true},
		{"missing flag", Flag("off"), false},
		{"not", Not(Flag("on")), false},
		{"equals", Equals("mode", "pro"), true},
		{"equals formatted", Equals("n", "3"), true},
		{"equals missing", Equals("x", ""), false},
		{"all", All(Flag("on"), Equals("mode", "pro")), true},
		{"all short", All(Flag("on"), Flag("off")), false},
		{"any", Any(Flag("off"), Flag("on")), true},
		{"any none", Any(Flag("off")), false},
		{"nil", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval(tt.p, s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := eval(Not(func(core.State) (bool, error) { panic("x") }), s)
	assert.Error(t, err)
}

func TestSamePayload(t *testing.T) {
	x1 := testutil.NewRecordingTool("x", nil)
	x2 := testutil.NewRecordingTool("x", nil)
	y := testutil.NewRecordingTool("y", nil)

	assert.True(t, SamePayload(Entry{Kind: KindTool, Tool: x1}, Entry{Kind: KindTool, Tool: x1}))
	assert.False(t, SamePayload(Entry{Kind: KindTool, Tool: x1}, Entry{Kind: KindTool, Tool: x2}))
	assert.False(t, SamePayload(Entry{Kind: KindTool, Tool: x1}, Entry{Kind: KindTool, Tool: y}))
	assert.False(t, SamePayload(Entry{Kind: KindTool, Tool: x1}, Entry{Kind: KindTool, Tool: x2.WithDescription("changed")}))

	f1 := valueTool{name: "f", run: func() string { return "hello" }}
	f2 := valueTool{name: "f", run: func() string { return "bonjour" }}
	assert.True(t, SamePayload(Entry{Kind: KindTool, Tool: f1}, Entry{Kind: KindTool, Tool: f2}))
	assert.False(t, SamePayload(Entry{Kind: KindTool, Tool: f1}, Entry{Kind: KindTool, Tool: x1}))

	assert.True(t, SamePayload(Entry{Kind: KindInstruction, Text: "a"}, Entry{Kind: KindInstruction, Text: "a"}))
	assert.False(t, SamePayload(Entry{Kind: KindInstruction, Text: "a"}, Entry{Kind: KindSupplement, Text: "a"}))

	s1 := Entry{Kind: KindServer, Server: server.Config{ID: "s", Args: []string{"a"}}}
	s2 := Entry{Kind: KindServer, Server: server.Config{ID: "s", Args: []string{"b"}}}
	assert.False(t, SamePayload(s1, s2))
	assert.True(t, SamePayload(s1, s1))
}

func TestWithInactive(t *testing.T) {
	r := Render(Nodes(Server{Config: server.Config{ID: "s", Command: "x"}}), nil)
	cause := errors.New("down")
	marked := r.WithInactive(map[string]error{"server:s": cause}, "server:s")

	orig, _ := r.Lookup("server:s")
	e, _ := marked.Lookup("server:s")
	assert.True(t, orig.Active)
	assert.False(t, e.Active)
	assert.ErrorIs(t, e.Err, cause)
}

// valueTool is a tool type that cannot be compared with ==.
type valueTool struct {
	name string
	run  func() string
}

func (v valueTool) Name() string               { return v.name }
func (v valueTool) Description() string        { return "" }
func (v valueTool) Parameters() map[string]any { return nil }
func (v valueTool) Call(*core.ToolContext, map[string]any) (any, error) {
	return v.run(), nil
}

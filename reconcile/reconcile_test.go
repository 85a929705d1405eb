package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/testutil"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
	"github.com/hupe1980/contextree/tree"
)

type harness struct {
	t       *testing.T
	adapter *testutil.FakeAdapter
	reg     *registry.Registry
	rc      *Reconciler
	prev    *tree.Rendered
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	adapter := testutil.NewFakeAdapter()
	return &harness{
		t:       t,
		adapter: adapter,
		reg:     registry.New(func(o *registry.Options) { o.Manager = server.NewManager(adapter) }),
		rc:      New(),
	}
}

func (h *harness) pass(root tree.Node, state core.State) *Result {
	h.t.Helper()
	res, err := h.rc.Reconcile(context.Background(), h.prev, tree.Render(root, state), h.reg)
	require.NoError(h.t, err)
	h.prev = res.Committed
	return res
}

func toolNames(reg *registry.Registry) []string {
	var out []string
	for _, t := range reg.Tools() {
		out = append(out, t.Name())
	}
	return out
}

func stdio(id string) server.Config {
	return server.Config{ID: id, Command: "run-" + id}
}

func TestIdempotence(t *testing.T) {
	h := newHarness(t)
	h.adapter.AddServer("files", "read", "write")
	root := tree.Nodes(
		tree.Instruction{ID: "a", Text: "A"},
		tree.Supplement{Text: "doc"},
		tree.Tool{Tool: testutil.NewRecordingTool("search", "ok")},
		tree.Server{Config: stdio("files")},
	)

	first := h.pass(root, nil)
	assert.Len(t, first.Mounted, 4)
	rev := h.reg.Revision()

	second := h.pass(root, nil)
	assert.False(t, second.Changed())
	assert.Empty(t, second.Failed)
	assert.Equal(t, rev, h.reg.Revision())
	assert.Equal(t, []string{"files"}, h.adapter.Connects())
}

func TestUpdatePreservesOrder(t *testing.T) {
	h := newHarness(t)
	build := func(b string) tree.Node {
		return tree.Nodes(
			tree.Instruction{ID: "a", Text: "A"},
			tree.Instruction{ID: "b", Text: b},
			tree.Instruction{ID: "c", Text: "C"},
		)
	}

	h.pass(build("B"), nil)
	res := h.pass(build("B'"), nil)

	if diff := cmp.Diff([]string{"instruction:b"}, res.Updated); diff != "" {
		t.Errorf("updated mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "A\n\nB'\n\nC", h.reg.SystemPrompt())
}

func TestPositionalIdentityUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	build := func(text string) tree.Node {
		return tree.Nodes(
			tree.Instruction{Text: "first"},
			tree.Instruction{Text: text},
			tree.Instruction{Text: "last"},
		)
	}

	h.pass(build("middle"), nil)
	res := h.pass(build("changed"), nil)

	assert.Equal(t, []string{"instruction@0.1"}, res.Updated)
	assert.Empty(t, res.Mounted)
	assert.Empty(t, res.Unmounted)
	assert.Equal(t, "first\n\nchanged\n\nlast", h.reg.SystemPrompt())
}

func TestActivationToggling(t *testing.T) {
	h := newHarness(t)
	root := tree.Nodes(
		tree.Instruction{ID: "base", Text: "base"},
		tree.Instruction{ID: "extra", Text: "extra", When: tree.Flag("on")},
	)

	res := h.pass(root, core.State{"on": false})
	assert.Equal(t, []string{"instruction:base"}, res.Mounted)
	assert.Equal(t, "base", h.reg.SystemPrompt())

	res = h.pass(root, core.State{"on": true})
	assert.Equal(t, []string{"instruction:extra"}, res.Mounted)
	assert.Equal(t, "base\n\nextra", h.reg.SystemPrompt())

	res = h.pass(root, core.State{"on": false})
	assert.Equal(t, []string{"instruction:extra"}, res.Unmounted)
	assert.Equal(t, "base", h.reg.SystemPrompt())
}

func TestGroupDeactivatesSubtree(t *testing.T) {
	h := newHarness(t)
	h.adapter.AddServer("db", "query")
	root := tree.Nodes(
		tree.Group{ID: "admin", When: tree.Flag("admin"), Children: []tree.Node{
			tree.Instruction{Text: "You are an admin."},
			tree.Server{Config: stdio("db")},
		}},
	)

	h.pass(root, core.State{"admin": true})
	assert.Equal(t, []string{"query"}, toolNames(h.reg))

	res := h.pass(root, core.State{"admin": false})
	assert.ElementsMatch(t, []string{"instruction@admin.0", "server:db"}, res.Unmounted)
	assert.Empty(t, h.reg.Tools())
	assert.Equal(t, "", h.reg.SystemPrompt())
	assert.False(t, h.adapter.IsOpen("db"))
}

func TestFailureIsolationAndRetry(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("connection refused")
	h.adapter.AddServer("flaky", "ping").FailConnect("flaky", boom)
	root := tree.Nodes(
		tree.Instruction{ID: "a", Text: "A"},
		tree.Server{Config: stdio("flaky")},
		tree.Instruction{ID: "b", Text: "B"},
	)

	res := h.pass(root, nil)
	assert.Equal(t, []string{"instruction:a", "instruction:b"}, res.Mounted)
	assert.Equal(t, []string{"server:flaky"}, res.Failed)

	var connErr *core.ServerConnectError
	require.ErrorAs(t, res.Errors["server:flaky"], &connErr)
	assert.ErrorIs(t, connErr, boom)

	entry, ok := res.Committed.Lookup("server:flaky")
	require.True(t, ok)
	assert.False(t, entry.Active)
	assert.Empty(t, h.reg.Tools())
	assert.Equal(t, "A\n\nB", h.reg.SystemPrompt())

	h.adapter.FailConnect("flaky", nil)
	res = h.pass(root, nil)
	assert.Equal(t, []string{"server:flaky"}, res.Mounted)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"ping"}, toolNames(h.reg))
}

func TestPredicatePanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	root := tree.Nodes(
		tree.Instruction{ID: "bad", Text: "never", When: func(core.State) (bool, error) { panic("nil map") }},
		tree.Instruction{ID: "good", Text: "good"},
	)

	res := h.pass(root, nil)
	assert.Equal(t, []string{"instruction:good"}, res.Mounted)
	assert.Equal(t, []string{"instruction:bad"}, res.Failed)

	var actErr *core.ActivationError
	assert.ErrorAs(t, res.Errors["instruction:bad"], &actErr)
	assert.Equal(t, "good", h.reg.SystemPrompt())
}

func TestServerOwnershipIsolation(t *testing.T) {
	h := newHarness(t)
	h.adapter.AddServer("s1", "x", "y").AddServer("s2", "y", "z")
	build := func(withS1 bool) tree.Node {
		return tree.Nodes(
			tree.Server{Config: stdio("s1"), When: func(core.State) (bool, error) { return withS1, nil }},
			tree.Server{Config: stdio("s2")},
		)
	}

	h.pass(build(true), nil)
	assert.Equal(t, []string{"x", "y", "z"}, toolNames(h.reg))
	owner, _ := h.reg.Owner("y")
	assert.Equal(t, registry.ServerOwner("s2"), owner)

	res := h.pass(build(false), nil)
	assert.Equal(t, []string{"server:s1"}, res.Unmounted)
	assert.Equal(t, []string{"y", "z"}, toolNames(h.reg))

	y, ok := h.reg.Tool("y")
	require.True(t, ok)
	assert.Equal(t, "s2 provides y", y.Description())
}

func TestToolImplementationChangeIsUpdate(t *testing.T) {
	h := newHarness(t)
	greet := func(reply string) tree.Node {
		return tree.Nodes(tree.Tool{ID: "greet", Tool: tool.NewFunctionTool("greet", "Greet the user", nil,
			func(*core.ToolContext, map[string]any) (any, error) { return reply, nil })})
	}

	h.pass(greet("hello"), nil)
	res := h.pass(greet("bonjour"), nil)
	assert.Equal(t, []string{"tool:greet"}, res.Updated)

	tl, ok := h.reg.Tool("greet")
	require.True(t, ok)
	out, err := tl.Call(core.NewToolContext(context.Background(), "call-1", "greet", nil, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "bonjour", out)
}

func TestToolRename(t *testing.T) {
	h := newHarness(t)
	build := func(name string) tree.Node {
		return tree.Nodes(tree.Tool{ID: "t", Tool: testutil.NewRecordingTool(name, "ok")})
	}

	h.pass(build("lookup"), nil)
	res := h.pass(build("search"), nil)

	assert.Equal(t, []string{"tool:t"}, res.Updated)
	assert.Equal(t, []string{"search"}, toolNames(h.reg))
}

func TestToolNodesShareName(t *testing.T) {
	h := newHarness(t)
	build := func(second bool) tree.Node {
		return tree.Nodes(
			tree.Tool{ID: "one", Tool: testutil.NewRecordingTool("calc", 1).WithDescription("one")},
			tree.Tool{ID: "two", Tool: testutil.NewRecordingTool("calc", 2).WithDescription("two"), When: func(core.State) (bool, error) { return second, nil }},
		)
	}

	h.pass(build(true), nil)
	calc, _ := h.reg.Tool("calc")
	assert.Equal(t, "two", calc.Description())

	h.pass(build(false), nil)
	calc, ok := h.reg.Tool("calc")
	require.True(t, ok)
	assert.Equal(t, "one", calc.Description())
}

func TestServerConfigUpdateReconnects(t *testing.T) {
	h := newHarness(t)
	h.adapter.AddServer("files", "read")
	build := func(arg string) tree.Node {
		cfg := stdio("files")
		cfg.Args = []string{arg}
		return tree.Nodes(tree.Server{Config: cfg})
	}

	h.pass(build("/tmp"), nil)
	res := h.pass(build("/srv"), nil)

	assert.Equal(t, []string{"server:files"}, res.Updated)
	assert.Equal(t, []string{"files", "files"}, h.adapter.Connects())
	assert.Equal(t, []string{"files"}, h.adapter.Disconnects())
	assert.Equal(t, []string{"read"}, toolNames(h.reg))
}

func TestServersConnectConcurrently(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for _, id := range []string{"a", "b"} {
		h.adapter.AddServer(id, id+"_tool").OnConnect(id, func() {
			started <- struct{}{}
			<-release
		})
	}
	go func() {
		<-started
		<-started
		close(release)
	}()

	res := h.pass(tree.Nodes(
		tree.Server{Config: stdio("a")},
		tree.Server{Config: stdio("b")},
	), nil)

	assert.Equal(t, []string{"server:a", "server:b"}, res.Mounted)
	assert.Equal(t, []string{"a_tool", "b_tool"}, toolNames(h.reg))
}

func TestDuplicateServerIDFails(t *testing.T) {
	h := newHarness(t)
	h.adapter.AddServer("dup", "t")

	res := h.pass(tree.Nodes(
		tree.Server{Config: stdio("dup")},
		tree.Server{Config: stdio("dup")},
	), nil)

	assert.Equal(t, []string{"server:dup"}, res.Mounted)
	require.Equal(t, []string{"server@0.1"}, res.Failed)
	assert.ErrorIs(t, res.Errors["server@0.1"], core.ErrAlreadyConnected)
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.rc.Reconcile(ctx, nil, tree.Render(tree.Instruction{Text: "x"}, nil), h.reg)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), h.reg.Revision())
}

func TestNilRegistry(t *testing.T) {
	_, err := New().Reconcile(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilRegistry)
}

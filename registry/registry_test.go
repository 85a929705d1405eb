package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/testutil"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

func toolNames(ts []tool.Tool) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}

func newWithServers(t *testing.T, adapter *testutil.FakeAdapter) *Registry {
	t.Helper()
	return New(func(o *Options) { o.Manager = server.NewManager(adapter) })
}

func TestSystemPrompt(t *testing.T) {
	r := New()
	assert.Equal(t, "", r.SystemPrompt())

	r.RegisterSupplement("doc", "Reference doc")
	assert.Equal(t, "## Supplementary Context\n\nReference doc", r.SystemPrompt())

	r.RegisterInstruction("a", "Be concise.")
	r.RegisterInstruction("b", "Cite sources.")
	assert.Equal(t, "Be concise.\n\nCite sources.\n\n## Supplementary Context\n\nReference doc", r.SystemPrompt())

	r.UnregisterSupplement("doc")
	assert.Equal(t, "Be concise.\n\nCite sources.", r.SystemPrompt())

	custom := New(func(o *Options) { o.SupplementHeading = "# Docs" })
	custom.RegisterSupplement("x", "y")
	assert.Equal(t, "# Docs\n\ny", custom.SystemPrompt())
}

func TestInstructionUpdateKeepsPosition(t *testing.T) {
	r := New()
	r.RegisterInstruction("a", "A")
	r.RegisterInstruction("b", "B")
	r.RegisterInstruction("c", "C")
	r.RegisterInstruction("b", "B'")

	assert.Equal(t, "A\n\nB'\n\nC", r.SystemPrompt())

	r.UnregisterInstruction("b")
	r.RegisterInstruction("b", "B")
	assert.Equal(t, "A\n\nC\n\nB", r.SystemPrompt())
}

func TestToolCollisionLastWriteWins(t *testing.T) {
	r := New()
	first := testutil.NewRecordingTool("search", "first")
	second := testutil.NewRecordingTool("search", "second")

	r.RegisterToolAs("node-a", first)
	r.RegisterToolAs("node-b", second)

	got, ok := r.Tool("search")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Len(t, r.Tools(), 1)

	r.UnregisterToolAs("node-b", "search")
	got, ok = r.Tool("search")
	require.True(t, ok)
	assert.Same(t, first, got)

	r.UnregisterToolAs("node-a", "search")
	_, ok = r.Tool("search")
	assert.False(t, ok)
}

func TestDefaultOwnerOverwrite(t *testing.T) {
	r := New()
	r.RegisterTool(testutil.NewRecordingTool("x", 1))
	r.RegisterTool(testutil.NewRecordingTool("x", 2))
	require.Len(t, r.Tools(), 1)

	r.UnregisterTool("x")
	assert.Empty(t, r.Tools())
}

func TestToolsFirstInsertionOrder(t *testing.T) {
	r := New()
	for _, n := range []string{"c", "a", "b"} {
		r.RegisterTool(testutil.NewRecordingTool(n, nil))
	}
	r.RegisterTool(testutil.NewRecordingTool("a", "again"))
	assert.Equal(t, []string{"c", "a", "b"}, toolNames(r.Tools()))
}

func TestServerOwnershipIsolation(t *testing.T) {
	adapter := testutil.NewFakeAdapter().AddServer("s1", "x", "y").AddServer("s2", "y", "z")
	r := newWithServers(t, adapter)
	ctx := context.Background()

	require.NoError(t, r.RegisterServer(ctx, server.Config{ID: "s1", Command: "one"}))
	require.NoError(t, r.RegisterServer(ctx, server.Config{ID: "s2", Command: "two"}))
	assert.Equal(t, []string{"x", "y", "z"}, toolNames(r.Tools()))

	owner, _ := r.Owner("y")
	assert.Equal(t, ServerOwner("s2"), owner)

	require.NoError(t, r.UnregisterServer(ctx, "s1"))
	assert.Equal(t, []string{"y", "z"}, toolNames(r.Tools()))
	owner, _ = r.Owner("y")
	assert.Equal(t, ServerOwner("s2"), owner)
	assert.Equal(t, []string{"s2"}, r.Servers())
	assert.Equal(t, []string{"y", "z"}, r.OwnedTools("s2"))

	require.NoError(t, r.UnregisterServer(ctx, "s2"))
	assert.Empty(t, r.Tools())
	assert.Equal(t, []string{"s1", "s2"}, adapter.Disconnects())
}

func TestRegisterServerFailureLeavesNoTools(t *testing.T) {
	adapter := testutil.NewFakeAdapter().AddServer("s1", "x").FailConnect("s1", errors.New("refused"))
	r := newWithServers(t, adapter)
	rev := r.Revision()

	err := r.RegisterServer(context.Background(), server.Config{ID: "s1", Command: "x"})
	var sce *core.ServerConnectError
	require.ErrorAs(t, err, &sce)
	assert.Empty(t, r.Tools())
	assert.Empty(t, r.Servers())
	assert.Equal(t, rev, r.Revision())
}

func TestRegisterServerWithoutManager(t *testing.T) {
	err := New().RegisterServer(context.Background(), server.Config{ID: "s", Command: "x"})
	assert.ErrorIs(t, err, ErrNoServerManager)
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := New()
	r.RegisterInstruction("a", "A")
	r.RegisterTool(testutil.NewRecordingTool("t", nil))

	snap := r.Snapshot()
	r.RegisterInstruction("b", "B")
	r.UnregisterTool("t")

	assert.Equal(t, "A", snap.SystemPrompt)
	_, ok := snap.Tool("t")
	assert.True(t, ok)
	assert.Less(t, snap.Revision, r.Revision())
}

func TestBatchIsAtomic(t *testing.T) {
	r := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			_, hasA := snap.Tool("a")
			_, hasB := snap.Tool("b")
			assert.Equal(t, hasA, hasB, "snapshot observed a partial batch")
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, r.Batch(ctx, func(tx *Tx) error {
			tx.RegisterTool(testutil.NewRecordingTool("a", nil))
			tx.RegisterTool(testutil.NewRecordingTool("b", nil))
			return nil
		}))
		require.NoError(t, r.Batch(ctx, func(tx *Tx) error {
			tx.UnregisterTool("a")
			tx.UnregisterTool("b")
			return nil
		}))
	}
	close(stop)
	wg.Wait()
}

func TestBatchRevision(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Batch(ctx, func(tx *Tx) error {
		tx.RegisterInstruction("a", "A")
		tx.RegisterInstruction("b", "B")
		return nil
	}))
	assert.Equal(t, uint64(1), r.Revision())

	require.NoError(t, r.Batch(ctx, func(tx *Tx) error {
		tx.RegisterInstruction("a", "A") // unchanged
		return nil
	}))
	assert.Equal(t, uint64(1), r.Revision())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, r.Batch(cancelled, func(*Tx) error { return nil }), context.Canceled)
}

func TestCloseDisconnectsServers(t *testing.T) {
	adapter := testutil.NewFakeAdapter().AddServer("s1", "x")
	r := newWithServers(t, adapter)
	require.NoError(t, r.RegisterServer(context.Background(), server.Config{ID: "s1", Command: "x"}))
	r.RegisterInstruction("a", "A")

	require.NoError(t, r.Close(context.Background()))
	assert.Empty(t, r.Tools())
	assert.Empty(t, r.SystemPrompt())
	assert.False(t, adapter.IsOpen("s1"))
}

func TestDescribe(t *testing.T) {
	r := New()
	r.RegisterInstruction("greeting", "hi")
	r.RegisterToolAs("node", testutil.NewRecordingTool("search", nil))

	out := r.Describe()
	assert.Contains(t, out, "instructions: greeting")
	assert.Contains(t, out, "search (owner node, providers 1)")
}

package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// FakeAdapter is an in-memory server.Adapter. Each server id maps to a fixed
// list of tool names; every tool answers "<server>:<tool>".
type FakeAdapter struct {
	mu          sync.Mutex
	tools       map[string][]string
	failures    map[string]error
	hooks       map[string]func()
	connects    []string
	disconnects []string
	open        map[string]bool
}

// NewFakeAdapter creates an adapter with no servers.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		tools:    map[string][]string{},
		failures: map[string]error{},
		hooks:    map[string]func(){},
		open:     map[string]bool{},
	}
}

// AddServer declares the tools server id provides.
func (a *FakeAdapter) AddServer(id string, toolNames ...string) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tools[id] = toolNames
	return a
}

// FailConnect makes connecting id fail with err. A nil err clears the failure.
func (a *FakeAdapter) FailConnect(id string, err error) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		delete(a.failures, id)
	} else {
		a.failures[id] = err
	}
	return a
}

// OnConnect runs fn inside Connect for id before it returns. Tests use it to
// block or observe concurrent connects.
func (a *FakeAdapter) OnConnect(id string, fn func()) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.hooks[id] = fn
	return a
}

// Connect implements server.Adapter.
func (a *FakeAdapter) Connect(ctx context.Context, cfg server.Config) ([]tool.Tool, error) {
	a.mu.Lock()
	a.connects = append(a.connects, cfg.ID)
	hook := a.hooks[cfg.ID]
	failure := a.failures[cfg.ID]
	names, known := a.tools[cfg.ID]
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}
	if !known {
		return nil, fmt.Errorf("unknown server %s", cfg.ID)
	}

	a.mu.Lock()
	a.open[cfg.ID] = true
	a.mu.Unlock()

	out := make([]tool.Tool, len(names))
	for i, n := range names {
		out[i] = NewRecordingTool(n, cfg.ID+":"+n).WithDescription(cfg.ID + " provides " + n)
	}
	return out, nil
}

// Disconnect implements server.Adapter.
func (a *FakeAdapter) Disconnect(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disconnects = append(a.disconnects, id)
	delete(a.open, id)
	return nil
}

// Connects returns the ids passed to Connect, in call order.
func (a *FakeAdapter) Connects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.connects...)
}

// Disconnects returns the ids passed to Disconnect, in call order.
func (a *FakeAdapter) Disconnects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.disconnects...)
}

// IsOpen reports whether id is connected and not yet disconnected.
func (a *FakeAdapter) IsOpen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.open[id]
}

// Package server manages connections to external tool-providing servers.
//
// The Manager validates configs, guards against duplicate connections and
// records, per server, the exact set of tool names it provided. The wire
// protocol lives behind the Adapter interface; an MCP implementation is in
// the mcp subpackage.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/tool"
)

// Adapter speaks the protocol of a tool server.
type Adapter interface {
	// Connect establishes the connection and returns the server's tools.
	Connect(ctx context.Context, cfg Config) ([]tool.Tool, error)
	// Disconnect releases the connection for id.
	Disconnect(ctx context.Context, id string) error
}

type connState int

const (
	statePending connState = iota
	stateConnected
)

type connection struct {
	cfg   Config
	state connState
	tools []string
}

// Options configures a Manager.
type Options struct {
	Logger logging.Logger
	// ConnectTimeout bounds a single Connect call. Zero means no timeout.
	ConnectTimeout time.Duration
}

// Manager tracks server connections and their tool ownership snapshots. It is
// safe for concurrent use; distinct ids connect concurrently.
type Manager struct {
	adapter Adapter
	opts    Options
	logger  logging.Logger

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager creates a Manager on top of adapter.
func NewManager(adapter Adapter, optFns ...func(o *Options)) *Manager {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		adapter: adapter,
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		conns:   make(map[string]*connection),
	}
}

// Connect validates cfg, connects through the adapter and records the names of
// the returned tools as the server's ownership snapshot. Connecting an id that
// is already connected or connecting fails with core.ErrAlreadyConnected.
// Adapter failures are returned as *core.ServerConnectError.
func (m *Manager) Connect(ctx context.Context, cfg Config) ([]tool.Tool, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, &core.ServerConnectError{ServerID: cfg.ID, Err: err}
	}

	m.mu.Lock()
	if _, exists := m.conns[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("server %s: %w", cfg.ID, core.ErrAlreadyConnected)
	}
	m.conns[cfg.ID] = &connection{cfg: cfg, state: statePending}
	m.mu.Unlock()

	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	tools, err := m.connectAdapter(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		delete(m.conns, cfg.ID)
		m.mu.Unlock()

		m.logger.Warn("server.connect.failed", "server_id", cfg.ID, "transport", string(cfg.Transport), "error", err.Error())
		return nil, &core.ServerConnectError{ServerID: cfg.ID, Err: err}
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name())
	}

	m.mu.Lock()
	if c, ok := m.conns[cfg.ID]; ok {
		c.state = stateConnected
		c.tools = names
	}
	m.mu.Unlock()

	m.logger.Info("server.connect.succeeded",
		"server_id", cfg.ID,
		"transport", string(cfg.Transport),
		"tools", len(names),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return tools, nil
}

// connectAdapter converts an adapter panic into an error.
func (m *Manager) connectAdapter(ctx context.Context, cfg Config) (tools []tool.Tool, err error) {
	defer func() {
		if r := recover(); r != nil {
			tools, err = nil, fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return m.adapter.Connect(ctx, cfg)
}

// Disconnect removes the server and returns exactly the tool names recorded
// when it connected. Unknown or still-connecting ids return no names.
func (m *Manager) Disconnect(ctx context.Context, id string) ([]string, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || c.state != stateConnected {
		m.mu.Unlock()
		return nil, nil
	}
	delete(m.conns, id)
	m.mu.Unlock()

	if err := m.adapter.Disconnect(ctx, id); err != nil {
		m.logger.Warn("server.disconnect.failed", "server_id", id, "error", err.Error())
		return c.tools, fmt.Errorf("disconnect server %s: %w", id, err)
	}

	m.logger.Info("server.disconnect.succeeded", "server_id", id, "tools", len(c.tools))
	return c.tools, nil
}

// Owned returns a copy of the ownership snapshot for id.
func (m *Manager) Owned(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	return append([]string(nil), c.tools...)
}

// Config returns the config a connected server was registered with.
func (m *Manager) Config(id string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return Config{}, false
	}
	return c.cfg, true
}

// Connected returns the ids of connected servers in sorted order.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.state == stateConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every connected server.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.Connected() {
		if _, err := m.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

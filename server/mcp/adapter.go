// Package mcp implements server.Adapter on top of the Model Context Protocol
// using mark3labs/mcp-go. Stdio servers are launched as child processes that
// inherit the current environment; http and sse servers are reached over the
// network.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// ClientFactory creates an unstarted or started MCP client for cfg.
type ClientFactory func(ctx context.Context, cfg server.Config) (*client.Client, error)

// Options configures an Adapter.
type Options struct {
	Logger logging.Logger
	// ClientName and ClientVersion are announced during initialization.
	ClientName    string
	ClientVersion string
	// NewClient overrides how clients are created. Defaults to DialClient.
	NewClient ClientFactory
}

// Adapter connects to MCP servers and exposes their tools.
type Adapter struct {
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	clients map[string]*client.Client
}

var _ server.Adapter = (*Adapter)(nil)

// New creates an Adapter.
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		ClientName:    "contextree",
		ClientVersion: "0.1.0",
		NewClient:     DialClient,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		clients: map[string]*client.Client{},
	}
}

// DialClient creates a client for the transport in cfg.
func DialClient(ctx context.Context, cfg server.Config) (*client.Client, error) {
	cfg = cfg.Normalize()
	switch cfg.Transport {
	case server.TransportStdio:
		return client.NewStdioMCPClient(cfg.Command, Environ(cfg.Env), cfg.Args...)
	case server.TransportHTTP:
		return client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
	case server.TransportSSE:
		return client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	}
	return nil, fmt.Errorf("%w: unsupported transport %q", server.ErrInvalidConfig, cfg.Transport)
}

// Environ returns the process environment with extra applied on top, sorted
// by key.
func Environ(extra map[string]string) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Connect starts and initializes a client for cfg and lists its tools.
func (a *Adapter) Connect(ctx context.Context, cfg server.Config) ([]tool.Tool, error) {
	c, err := a.opts.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	tools, err := a.handshake(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	a.mu.Lock()
	if old, ok := a.clients[cfg.ID]; ok {
		_ = old.Close()
	}
	a.clients[cfg.ID] = c
	a.mu.Unlock()

	out := make([]tool.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, newRemoteTool(c, t))
	}
	a.logger.Debug("mcp.server.connected", "server_id", cfg.ID, "tools", len(out))
	return out, nil
}

func (a *Adapter) handshake(ctx context.Context, c *client.Client) ([]mcp.Tool, error) {
	if err := start(ctx, c); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{
		Name:    a.opts.ClientName,
		Version: a.opts.ClientVersion,
	}
	if _, err := c.Initialize(ctx, init); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return res.Tools, nil
}

// start starts the transport on a context detached from ctx. Transports bind
// their stream or child process to the start context, and a connection lives
// until Disconnect or Close, not until the connecting call returns. ctx still
// bounds the wait.
func start(ctx context.Context, c *client.Client) error {
	done := make(chan error, 1)
	go func() { done <- c.Start(context.WithoutCancel(ctx)) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.Close()
		<-done
		return ctx.Err()
	}
}

// Disconnect closes the client for id. Unknown ids are ignored.
func (a *Adapter) Disconnect(_ context.Context, id string) error {
	a.mu.Lock()
	c, ok := a.clients[id]
	delete(a.clients, id)
	a.mu.Unlock()

	if !ok {
		return nil
	}
	a.logger.Debug("mcp.server.disconnected", "server_id", id)
	return c.Close()
}

// Close disconnects every server.
func (a *Adapter) Close() error {
	a.mu.Lock()
	clients := a.clients
	a.clients = map[string]*client.Client{}
	a.mu.Unlock()

	var errs []error
	for id, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// remoteTool forwards calls to an MCP server.
type remoteTool struct {
	client *client.Client
	name   string
	desc   string
	params map[string]any
}

func newRemoteTool(c *client.Client, t mcp.Tool) *remoteTool {
	return &remoteTool{
		client: c,
		name:   t.Name,
		desc:   t.Description,
		params: inputSchema(t),
	}
}

func (t *remoteTool) Name() string               { return t.name }
func (t *remoteTool) Description() string        { return t.desc }
func (t *remoteTool) Parameters() map[string]any { return t.params }

// Call invokes the remote tool. A result flagged as an error is returned as a
// *tool.ToolError carrying the result text.
func (t *remoteTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	res, err := t.client.CallTool(tc.Context(), req)
	if err != nil {
		return nil, tool.NewToolError(t.name, err.Error(), tool.CodeExecution)
	}

	text := ResultText(res)
	if res.IsError {
		return nil, tool.NewToolError(t.name, text, tool.CodeExecution)
	}
	return text, nil
}

// ResultText joins the text contents of res with newlines. Results without
// text content are rendered as the JSON of their content list.
func ResultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	if res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	b, err := json.Marshal(res.Content)
	if err != nil {
		return ""
	}
	return string(b)
}

func inputSchema(t mcp.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return map[string]any{"type": "object"}
		}
		raw = b
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}

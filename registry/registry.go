// Package registry holds the live context an agent sees on each turn: ordered
// instructions and supplements, the visible tools, and the connected tool
// servers together with the tool names each of them owns.
//
// All mutations go through a single RWMutex. Batch runs a group of mutations
// exclusively so a concurrent Snapshot never observes a partial update.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// DefaultSupplementHeading labels the supplementary section of the system prompt.
const DefaultSupplementHeading = "## Supplementary Context"

// DefaultOwner owns tools registered without an explicit owner.
const DefaultOwner = ""

// ErrNoServerManager is returned by server operations on a registry created
// without a server.Manager.
var ErrNoServerManager = errors.New("registry has no server manager")

// ServerOwner returns the tool owner used for tools provided by server id.
func ServerOwner(id string) string { return "server:" + id }

// Options configures a Registry.
type Options struct {
	// Manager connects external tool servers. Optional.
	Manager *server.Manager
	Logger  logging.Logger
	// SupplementHeading defaults to DefaultSupplementHeading.
	SupplementHeading string
}

type provider struct {
	owner string
	tool  tool.Tool
}

type serverEntry struct {
	cfg   server.Config
	owned []string
}

// Registry is the mutable context store shared by the reconciler and the turn loop.
type Registry struct {
	opts   Options
	logger logging.Logger

	mu           sync.RWMutex
	instructions orderedText
	supplements  orderedText
	tools        map[string][]provider // per-name provider stack, last is visible
	toolOrder    []string
	servers      map[string]serverEntry
	revision     uint64
}

// New creates an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{SupplementHeading: DefaultSupplementHeading}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SupplementHeading == "" {
		opts.SupplementHeading = DefaultSupplementHeading
	}
	return &Registry{
		opts:    opts,
		logger:  logging.OrNoOp(opts.Logger),
		tools:   map[string][]provider{},
		servers: map[string]serverEntry{},
	}
}

// Manager returns the server manager, or nil.
func (r *Registry) Manager() *server.Manager { return r.opts.Manager }

// HasServer reports whether server id is registered.
func (r *Registry) HasServer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.servers[id]
	return ok
}

// Revision returns a counter bumped by every committed mutation or batch.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.revision
}

// Batch runs fn with exclusive access. Snapshots taken concurrently see the
// registry either before or after the whole batch. Mutations applied before
// fn returns an error are kept.
func (r *Registry) Batch(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{r: r}
	err := fn(tx)
	if tx.changed {
		r.revision++
	}
	return err
}

func (r *Registry) mutate(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{r: r}
	fn(tx)
	if tx.changed {
		r.revision++
	}
}

// RegisterInstruction sets the instruction with id. A new id is appended; an
// existing id keeps its position.
func (r *Registry) RegisterInstruction(id, text string) {
	r.mutate(func(tx *Tx) { tx.RegisterInstruction(id, text) })
}

// UnregisterInstruction removes the instruction with id.
func (r *Registry) UnregisterInstruction(id string) {
	r.mutate(func(tx *Tx) { tx.UnregisterInstruction(id) })
}

// RegisterSupplement sets the supplement with id.
func (r *Registry) RegisterSupplement(id, text string) {
	r.mutate(func(tx *Tx) { tx.RegisterSupplement(id, text) })
}

// UnregisterSupplement removes the supplement with id.
func (r *Registry) UnregisterSupplement(id string) {
	r.mutate(func(tx *Tx) { tx.UnregisterSupplement(id) })
}

// RegisterTool registers t under DefaultOwner, overwriting a visible tool of
// the same name.
func (r *Registry) RegisterTool(t tool.Tool) {
	r.RegisterToolAs(DefaultOwner, t)
}

// UnregisterTool removes the DefaultOwner's tool with name.
func (r *Registry) UnregisterTool(name string) {
	r.UnregisterToolAs(DefaultOwner, name)
}

// RegisterToolAs registers t on behalf of owner. The most recent provider of a
// name is visible.
func (r *Registry) RegisterToolAs(owner string, t tool.Tool) {
	r.mutate(func(tx *Tx) { tx.RegisterToolAs(owner, t) })
}

// UnregisterToolAs removes owner's provider of name, revealing the previous
// provider if any.
func (r *Registry) UnregisterToolAs(owner, name string) {
	r.mutate(func(tx *Tx) { tx.UnregisterToolAs(owner, name) })
}

// RegisterServer connects cfg through the server manager and registers every
// returned tool with the server as owner. The connect happens outside the
// registry lock; on failure nothing is registered.
func (r *Registry) RegisterServer(ctx context.Context, cfg server.Config) error {
	if r.opts.Manager == nil {
		return ErrNoServerManager
	}
	tools, err := r.opts.Manager.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	r.mutate(func(tx *Tx) { tx.AttachServer(cfg.Normalize(), tools) })
	return nil
}

// UnregisterServer removes exactly the tools server id registered, then
// disconnects it.
func (r *Registry) UnregisterServer(ctx context.Context, id string) error {
	var err error
	r.mutate(func(tx *Tx) { err = tx.UnregisterServer(ctx, id) })
	return err
}

// Close unregisters every server and clears the registry.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	r.mutate(func(tx *Tx) {
		for _, id := range tx.serverIDs() {
			if err := tx.UnregisterServer(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
		tx.r.instructions = orderedText{}
		tx.r.supplements = orderedText{}
		tx.r.tools = map[string][]provider{}
		tx.r.toolOrder = nil
		tx.changed = true
	})
	return errors.Join(errs...)
}

// SystemPrompt returns the merged prompt.
func (r *Registry) SystemPrompt() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.systemPromptLocked()
}

func (r *Registry) systemPromptLocked() string {
	var sections []string
	if instr := r.instructions.join("\n\n"); instr != "" {
		sections = append(sections, instr)
	}
	if supp := r.supplements.join("\n\n"); supp != "" {
		sections = append(sections, r.opts.SupplementHeading+"\n\n"+supp)
	}
	return strings.Join(sections, "\n\n")
}

// Tools returns the visible tools in first-insertion order of their names.
func (r *Registry) Tools() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.toolsLocked()
}

func (r *Registry) toolsLocked() []tool.Tool {
	out := make([]tool.Tool, 0, len(r.toolOrder))
	for _, name := range r.toolOrder {
		stack := r.tools[name]
		out = append(out, stack[len(stack)-1].tool)
	}
	return out
}

// Tool returns the visible tool with name.
func (r *Registry) Tool(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stack, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return stack[len(stack)-1].tool, true
}

// Owner returns the owner of the visible tool with name.
func (r *Registry) Owner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stack, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return stack[len(stack)-1].owner, true
}

// Servers returns the registered server ids in sorted order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OwnedTools returns the tool names registered by server id.
func (r *Registry) OwnedTools(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.servers[id].owned...)
}

// Snapshot atomically captures prompt, tools and revision.
func (r *Registry) Snapshot() *TurnContext {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := r.toolsLocked()
	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	return &TurnContext{
		SystemPrompt: r.systemPromptLocked(),
		Tools:        tools,
		Revision:     r.revision,
		byName:       byName,
	}
}

// Describe returns a human-readable listing of the registry contents.
func (r *Registry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "revision: %d\n", r.revision)
	fmt.Fprintf(&b, "instructions: %s\n", strings.Join(r.instructions.keys, ", "))
	fmt.Fprintf(&b, "supplements: %s\n", strings.Join(r.supplements.keys, ", "))
	b.WriteString("tools:\n")
	for _, name := range r.toolOrder {
		stack := r.tools[name]
		owner := stack[len(stack)-1].owner
		if owner == DefaultOwner {
			owner = "-"
		}
		fmt.Fprintf(&b, "  %s (owner %s, providers %d)\n", name, owner, len(stack))
	}
	b.WriteString("servers:\n")
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		se := r.servers[id]
		fmt.Fprintf(&b, "  %s [%s] %s\n", id, se.cfg.Transport, strings.Join(se.owned, ", "))
	}
	return b.String()
}

// TurnContext is an immutable snapshot used by one REASON or ACT step.
type TurnContext struct {
	SystemPrompt string
	Tools        []tool.Tool
	Revision     uint64

	byName map[string]tool.Tool
}

// Tool resolves name against the snapshot.
func (tc *TurnContext) Tool(name string) (tool.Tool, bool) {
	if tc == nil {
		return nil, false
	}
	t, ok := tc.byName[name]
	return t, ok
}

// orderedText is an insertion-ordered string map.
type orderedText struct {
	keys []string
	vals map[string]string
}

// set reports whether anything changed.
func (o *orderedText) set(k, v string) bool {
	if o.vals == nil {
		o.vals = map[string]string{}
	}
	old, exists := o.vals[k]
	if exists && old == v {
		return false
	}
	if !exists {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = v
	return true
}

func (o *orderedText) delete(k string) bool {
	if _, ok := o.vals[k]; !ok {
		return false
	}
	delete(o.vals, k)
	for i, key := range o.keys {
		if key == k {
			o.keys = append(o.keys[:i:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

func (o *orderedText) join(sep string) string {
	parts := make([]string, 0, len(o.keys))
	for _, k := range o.keys {
		if v := o.vals[k]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

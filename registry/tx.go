package registry

import (
	"context"
	"sort"

	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// Tx is the mutation surface inside Batch. It must not be used after the
// batch function returns.
type Tx struct {
	r       *Registry
	changed bool
}

// RegisterInstruction sets the instruction with id.
func (tx *Tx) RegisterInstruction(id, text string) {
	if tx.r.instructions.set(id, text) {
		tx.changed = true
		tx.r.logger.Debug("registry.instruction.register", "id", id)
	}
}

// UnregisterInstruction removes the instruction with id.
func (tx *Tx) UnregisterInstruction(id string) {
	if tx.r.instructions.delete(id) {
		tx.changed = true
		tx.r.logger.Debug("registry.instruction.unregister", "id", id)
	}
}

// RegisterSupplement sets the supplement with id.
func (tx *Tx) RegisterSupplement(id, text string) {
	if tx.r.supplements.set(id, text) {
		tx.changed = true
		tx.r.logger.Debug("registry.supplement.register", "id", id)
	}
}

// UnregisterSupplement removes the supplement with id.
func (tx *Tx) UnregisterSupplement(id string) {
	if tx.r.supplements.delete(id) {
		tx.changed = true
		tx.r.logger.Debug("registry.supplement.unregister", "id", id)
	}
}

// RegisterTool registers t under DefaultOwner.
func (tx *Tx) RegisterTool(t tool.Tool) { tx.RegisterToolAs(DefaultOwner, t) }

// UnregisterTool removes the DefaultOwner's tool with name.
func (tx *Tx) UnregisterTool(name string) { tx.UnregisterToolAs(DefaultOwner, name) }

// RegisterToolAs pushes t as the visible provider of its name. An earlier
// provider from the same owner is replaced.
func (tx *Tx) RegisterToolAs(owner string, t tool.Tool) {
	if t == nil {
		return
	}
	name := t.Name()
	stack, exists := tx.r.tools[name]
	stack = removeOwner(stack, owner)
	if len(stack) > 0 {
		tx.r.logger.Debug("registry.tool.shadow", "tool", name, "owner", owner, "shadowed_owner", stack[len(stack)-1].owner)
	}
	tx.r.tools[name] = append(stack, provider{owner: owner, tool: t})
	if !exists {
		tx.r.toolOrder = append(tx.r.toolOrder, name)
	}
	tx.changed = true
	tx.r.logger.Debug("registry.tool.register", "tool", name, "owner", owner)
}

// UnregisterToolAs removes owner's provider of name.
func (tx *Tx) UnregisterToolAs(owner, name string) {
	stack, ok := tx.r.tools[name]
	if !ok {
		return
	}
	next := removeOwner(stack, owner)
	if len(next) == len(stack) {
		return
	}
	tx.changed = true
	tx.r.logger.Debug("registry.tool.unregister", "tool", name, "owner", owner)
	if len(next) > 0 {
		tx.r.tools[name] = next
		return
	}
	delete(tx.r.tools, name)
	for i, n := range tx.r.toolOrder {
		if n == name {
			tx.r.toolOrder = append(tx.r.toolOrder[:i:i], tx.r.toolOrder[i+1:]...)
			break
		}
	}
}

// AttachServer records an already connected server and registers its tools
// with the server as owner.
func (tx *Tx) AttachServer(cfg server.Config, tools []tool.Tool) {
	owner := ServerOwner(cfg.ID)
	owned := make([]string, 0, len(tools))
	for _, t := range tools {
		tx.RegisterToolAs(owner, t)
		owned = append(owned, t.Name())
	}
	tx.r.servers[cfg.ID] = serverEntry{cfg: cfg, owned: owned}
	tx.changed = true
	tx.r.logger.Info("registry.server.register", "server_id", cfg.ID, "tools", len(owned))
}

// RegisterServer connects and attaches cfg while holding the batch lock.
func (tx *Tx) RegisterServer(ctx context.Context, cfg server.Config) error {
	if tx.r.opts.Manager == nil {
		return ErrNoServerManager
	}
	tools, err := tx.r.opts.Manager.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	tx.AttachServer(cfg.Normalize(), tools)
	return nil
}

// UnregisterServer removes the tools owned by server id and disconnects it.
// The tools are removed even when the disconnect fails.
func (tx *Tx) UnregisterServer(ctx context.Context, id string) error {
	se, registered := tx.r.servers[id]

	var (
		names []string
		err   error
	)
	if tx.r.opts.Manager != nil {
		names, err = tx.r.opts.Manager.Disconnect(ctx, id)
	}
	if names == nil {
		names = se.owned
	}

	owner := ServerOwner(id)
	for _, name := range names {
		tx.UnregisterToolAs(owner, name)
	}
	if registered {
		delete(tx.r.servers, id)
		tx.changed = true
		tx.r.logger.Info("registry.server.unregister", "server_id", id, "tools", len(names))
	}
	return err
}

// HasServer reports whether server id is registered.
func (tx *Tx) HasServer(id string) bool {
	_, ok := tx.r.servers[id]
	return ok
}

func (tx *Tx) serverIDs() []string {
	ids := make([]string, 0, len(tx.r.servers))
	for id := range tx.r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func removeOwner(stack []provider, owner string) []provider {
	for i, p := range stack {
		if p.owner == owner {
			out := make([]provider, 0, len(stack)-1)
			out = append(out, stack[:i]...)
			return append(out, stack[i+1:]...)
		}
	}
	return stack
}

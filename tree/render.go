package tree

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/util"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// Entry is one evaluated leaf of a rendered tree.
type Entry struct {
	Key    string // identity used for diffing
	Kind   Kind
	Path   string // structural index path, e.g. "0.2.1"
	Active bool
	Err    error // *core.ActivationError when evaluation failed

	Text   string        // instruction / supplement, template already applied
	Tool   tool.Tool     // tool
	Server server.Config // server
}

// Rendered is the immutable, ordered result of Render.
type Rendered struct {
	entries []Entry
	index   map[string]int
}

// RenderOptions configures Render.
type RenderOptions struct {
	Logger logging.Logger
}

// Render evaluates root against state. Predicate failures and panics,
// template errors and duplicate ids never abort the render: the affected
// node is reported inactive with an *core.ActivationError. A nil root
// renders empty.
func Render(root Node, state core.State, optFns ...func(o *RenderOptions)) *Rendered {
	opts := RenderOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &renderer{
		state:   state.Clone(),
		logger:  logging.OrNoOp(opts.Logger),
		out:     &Rendered{index: map[string]int{}},
		anchors: map[string]struct{}{},
	}
	if root != nil {
		r.walk(root, "0", true)
	}
	return r.out
}

type renderer struct {
	state   core.State
	logger  logging.Logger
	out     *Rendered
	anchors map[string]struct{} // group ids already used as path anchors
}

func (r *renderer) walk(n Node, path string, parentActive bool) {
	if g, ok := asGroup(n); ok {
		active := parentActive
		if active {
			var err error
			active, err = eval(g.When, r.state)
			if err != nil {
				r.logger.Warn("tree.node.activation_failed", "kind", string(KindGroup), "path", path, "error", err.Error())
				active = false
			}
		}
		base := r.anchor(g.ID, path)
		for i, child := range g.Children {
			r.walk(child, base+"."+strconv.Itoa(i), active)
		}
		return
	}

	e := Entry{Kind: n.Kind(), Path: path}
	var when Predicate

	switch v := n.(type) {
	case Instruction:
		e.Text, when = v.Text, v.When
		e.Key = r.key(KindInstruction, v.ID, path)
	case *Instruction:
		e.Text, when = v.Text, v.When
		e.Key = r.key(KindInstruction, v.ID, path)
	case Supplement:
		e.Text, when = v.Text, v.When
		e.Key = r.key(KindSupplement, v.ID, path)
	case *Supplement:
		e.Text, when = v.Text, v.When
		e.Key = r.key(KindSupplement, v.ID, path)
	case Tool:
		e.Tool, when = v.Tool, v.When
		e.Key = r.key(KindTool, v.ID, path)
	case *Tool:
		e.Tool, when = v.Tool, v.When
		e.Key = r.key(KindTool, v.ID, path)
	case Server:
		e.Server, when = v.Config, v.When
		e.Key = r.key(KindServer, serverID(v.ID, v.Config), path)
	case *Server:
		e.Server, when = v.Config, v.When
		e.Key = r.key(KindServer, serverID(v.ID, v.Config), path)
	default:
		r.logger.Warn("tree.node.unknown", "type", fmt.Sprintf("%T", n), "path", path)
		return
	}

	if parentActive {
		active, err := eval(when, r.state)
		if err == nil && active && (e.Kind == KindInstruction || e.Kind == KindSupplement) {
			e.Text, err = util.RenderTemplate(e.Text, r.state)
		}
		if err == nil && active && e.Kind == KindTool && e.Tool == nil {
			err = fmt.Errorf("tool node has no tool")
		}
		if err != nil {
			e.Err = &core.ActivationError{Key: e.Key, Err: err}
			r.logger.Warn("tree.node.activation_failed", "key", e.Key, "path", path, "error", err.Error())
			active = false
		}
		e.Active = active
	}

	r.out.index[e.Key] = len(r.out.entries)
	r.out.entries = append(r.out.entries, e)
}

// key returns "<kind>:<id>" for explicit ids and "<kind>@<path>" otherwise.
// A duplicate explicit id falls back to the structural key.
func (r *renderer) key(kind Kind, id, path string) string {
	if id != "" {
		k := string(kind) + ":" + id
		if _, dup := r.out.index[k]; !dup {
			return k
		}
		r.logger.Warn("tree.node.duplicate_id", "kind", string(kind), "id", id, "path", path)
	}
	return string(kind) + "@" + path
}

func serverID(id string, cfg server.Config) string {
	if id != "" {
		return id
	}
	return cfg.ID
}

// anchor returns the prefix for the children of a group. Children of a group
// with an explicit id are anchored on that id so their identity survives
// moving the group. A repeated id, or one that could be mistaken for a
// structural path, falls back to the group's own path.
func (r *renderer) anchor(id, path string) string {
	if id == "" {
		return path
	}
	if _, dup := r.anchors[id]; dup || !validAnchor(id) {
		r.logger.Warn("tree.group.duplicate_id", "id", id, "path", path)
		return path
	}
	r.anchors[id] = struct{}{}
	return id
}

func validAnchor(id string) bool {
	if strings.Contains(id, ".") {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return true
		}
	}
	return false
}

func asGroup(n Node) (Group, bool) {
	switch g := n.(type) {
	case Group:
		return g, true
	case *Group:
		return *g, true
	}
	return Group{}, false
}

// Entries returns a copy of the entries in tree order.
func (r *Rendered) Entries() []Entry {
	if r == nil {
		return nil
	}
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of entries.
func (r *Rendered) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Lookup returns the entry with key.
func (r *Rendered) Lookup(key string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	i, ok := r.index[key]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Active returns the active entries in tree order.
func (r *Rendered) Active() []Entry {
	var out []Entry
	if r == nil {
		return out
	}
	for _, e := range r.entries {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// Errors returns the activation errors collected during the render.
func (r *Rendered) Errors() []error {
	var out []error
	if r == nil {
		return out
	}
	for _, e := range r.entries {
		if e.Err != nil {
			out = append(out, e.Err)
		}
	}
	return out
}

// WithInactive returns a copy in which the entries with the given keys are
// marked inactive. errs, when non-nil, supplies the Err of each key.
func (r *Rendered) WithInactive(errs map[string]error, keys ...string) *Rendered {
	out := &Rendered{index: make(map[string]int, r.Len())}
	for k, v := range r.index {
		out.index[k] = v
	}
	out.entries = r.Entries()
	for _, k := range keys {
		if i, ok := out.index[k]; ok {
			out.entries[i].Active = false
			if err, ok := errs[k]; ok {
				out.entries[i].Err = err
			}
		}
	}
	return out
}

// String renders a compact debug listing, one entry per line.
func (r *Rendered) String() string {
	var b strings.Builder
	for _, e := range r.Entries() {
		state := "inactive"
		if e.Active {
			state = "active"
		}
		fmt.Fprintf(&b, "%s %s %s\n", e.Key, e.Path, state)
	}
	return b.String()
}

// SamePayload reports whether a and b carry the same payload. Tools are equal
// when they are the same value. Tools of a non-comparable type fall back to
// name, description and parameters.
func SamePayload(a, b Entry) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindInstruction, KindSupplement:
		return a.Text == b.Text
	case KindTool:
		return sameTool(a.Tool, b.Tool)
	case KindServer:
		return reflect.DeepEqual(a.Server, b.Server)
	}
	return true
}

func sameTool(a, b tool.Tool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Name() != b.Name() {
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return a.Description() == b.Description() && reflect.DeepEqual(a.Parameters(), b.Parameters())
}

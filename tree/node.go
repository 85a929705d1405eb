// Package tree is the declarative model of an agent's context: a tree of
// instructions, supplements, tools and tool servers, each gated by a
// predicate over application state.
//
// Render evaluates a tree against a state snapshot and produces a Rendered
// list of keyed entries that the reconciler diffs against the previous render.
package tree

import (
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/tool"
)

// Kind identifies a node variant.
type Kind string

const (
	KindInstruction Kind = "instruction"
	KindSupplement  Kind = "supplement"
	KindTool        Kind = "tool"
	KindServer      Kind = "server"
	KindGroup       Kind = "group"
)

// Node is one of Instruction, Supplement, Tool, Server or Group.
type Node interface {
	Kind() Kind
	isNode()
}

// Instruction contributes text to the system prompt. Text is a text/template
// rendered against the state.
type Instruction struct {
	ID   string
	Text string
	When Predicate
}

// Supplement contributes text to the supplementary section of the prompt.
type Supplement struct {
	ID   string
	Text string
	When Predicate
}

// Tool exposes a callable tool.
type Tool struct {
	ID   string
	Tool tool.Tool
	When Predicate
}

// Server connects an external tool server while active. Without an explicit
// ID the node is identified by Config.ID.
type Server struct {
	ID     string
	Config server.Config
	When   Predicate
}

// Group gates a subtree. When a group is inactive none of its descendants are
// evaluated.
type Group struct {
	ID       string
	When     Predicate
	Children []Node
}

func (Instruction) Kind() Kind { return KindInstruction }
func (Supplement) Kind() Kind  { return KindSupplement }
func (Tool) Kind() Kind        { return KindTool }
func (Server) Kind() Kind      { return KindServer }
func (Group) Kind() Kind       { return KindGroup }

func (Instruction) isNode() {}
func (Supplement) isNode()  {}
func (Tool) isNode()        {}
func (Server) isNode()      {}
func (Group) isNode()       {}

// Nodes wraps children in an always-active root group.
func Nodes(children ...Node) Group {
	return Group{Children: children}
}

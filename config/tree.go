package config

import (
	"github.com/hupe1980/contextree/tool"
	"github.com/hupe1980/contextree/tree"
)

// Tree builds the context tree declared under context.nodes. The config must
// have been validated.
func (c *Config) Tree() (tree.Node, error) {
	children, err := buildNodes(c.Context.Nodes)
	if err != nil {
		return nil, err
	}
	return tree.Nodes(children...), nil
}

func buildNodes(nodes []Node) ([]tree.Node, error) {
	out := make([]tree.Node, 0, len(nodes))
	for _, n := range nodes {
		when, err := ParseWhen(n.When)
		if err != nil {
			return nil, err
		}

		switch {
		case n.Instruction != "":
			out = append(out, tree.Instruction{ID: n.ID, Text: n.Instruction, When: when})
		case n.Supplement != "":
			out = append(out, tree.Supplement{ID: n.ID, Text: n.Supplement, When: when})
		case n.Server != nil:
			out = append(out, tree.Server{ID: n.ID, Config: *n.Server, When: when})
		case n.StateTool != nil:
			out = append(out, tree.Tool{ID: n.ID, Tool: tool.NewStateTool(n.StateTool.Writable...), When: when})
		default:
			children, err := buildNodes(n.Nodes)
			if err != nil {
				return nil, err
			}
			out = append(out, tree.Group{ID: n.ID, When: when, Children: children})
		}
	}
	return out, nil
}

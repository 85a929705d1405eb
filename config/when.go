package config

import (
	"fmt"
	"strings"

	"github.com/hupe1980/contextree/tree"
)

// ParseWhen compiles a when expression into a predicate. Supported terms are
// `flag`, `!flag`, `key=value` and `key!=value`; terms joined with `&&` must
// all hold. An empty expression is always true.
func ParseWhen(expr string) (tree.Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	var preds []tree.Predicate
	for _, term := range strings.Split(expr, "&&") {
		p, err := parseTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, fmt.Errorf("when %q: %w", expr, err)
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return tree.All(preds...), nil
}

func parseTerm(term string) (tree.Predicate, error) {
	if term == "" {
		return nil, fmt.Errorf("empty term")
	}
	if k, v, ok := strings.Cut(term, "!="); ok {
		if k = strings.TrimSpace(k); k == "" {
			return nil, fmt.Errorf("missing key in %q", term)
		}
		return tree.Not(tree.Equals(k, strings.TrimSpace(v))), nil
	}
	if k, v, ok := strings.Cut(term, "="); ok {
		if k = strings.TrimSpace(k); k == "" {
			return nil, fmt.Errorf("missing key in %q", term)
		}
		return tree.Equals(k, strings.TrimSpace(v)), nil
	}
	if strings.HasPrefix(term, "!") {
		k := strings.TrimSpace(term[1:])
		if k == "" {
			return nil, fmt.Errorf("missing key in %q", term)
		}
		return tree.Not(tree.Flag(k)), nil
	}
	if strings.ContainsAny(term, " \t") {
		return nil, fmt.Errorf("invalid term %q", term)
	}
	return tree.Flag(term), nil
}

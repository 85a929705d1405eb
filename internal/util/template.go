package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

var templateFuncs = template.FuncMap{
	// default "x" .key yields "x" when .key is missing or empty.
	"default": func(fallback, v any) any {
		if v == nil || v == "" {
			return fallback
		}
		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items []any) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, fmt.Sprint(it))
		}
		return strings.Join(parts, sep)
	},
}

// Parsed templates keyed by source text. Node texts are static while state
// changes, so each one is parsed once per process.
var templateCache sync.Map

// RenderTemplate renders text as a text/template against state. Text without
// template markers is returned unchanged. Missing keys render as empty.
func RenderTemplate(text string, state map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := parseTemplate(text)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, state); err != nil {
		return "", err
	}
	return strings.ReplaceAll(sb.String(), "<no value>", ""), nil
}

func parseTemplate(text string) (*template.Template, error) {
	if t, ok := templateCache.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("context").Option("missingkey=zero").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, err
	}
	actual, _ := templateCache.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}

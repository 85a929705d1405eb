// Package config loads the YAML file used by the contextree command: the model
// to talk to, loop limits, logging, the initial state and a declarative
// context tree.
//
// ${VAR} and ${VAR:-default} references are expanded from the environment
// before the file is parsed.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/flow"
	"github.com/hupe1980/contextree/server"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the root of the file.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Loop    LoopConfig    `yaml:"loop"`
	Logging LoggingConfig `yaml:"logging"`
	State   core.State    `yaml:"state,omitempty"`
	Context ContextConfig `yaml:"context"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	// Provider is one of openai, anthropic, gemini.
	Provider    string   `yaml:"provider"`
	Name        string   `yaml:"name,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int64    `yaml:"max_tokens,omitempty"`
}

// LoopConfig bounds the turn loop.
type LoopConfig struct {
	MaxCycles        int    `yaml:"max_cycles,omitempty"`
	MaxParallelTools int    `yaml:"max_parallel_tools,omitempty"`
	Refresh          string `yaml:"refresh,omitempty"` // always | on_request
	ConnectTimeout   string `yaml:"connect_timeout,omitempty"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // console | json
}

// ContextConfig is the declarative context tree.
type ContextConfig struct {
	SupplementHeading string `yaml:"supplement_heading,omitempty"`
	Nodes             []Node `yaml:"nodes"`
}

// Node is one tree node. Exactly one of Instruction, Supplement, Server,
// StateTool or Nodes is set; Nodes makes the node a group.
type Node struct {
	ID   string `yaml:"id,omitempty"`
	When string `yaml:"when,omitempty"`

	Instruction string         `yaml:"instruction,omitempty"`
	Supplement  string         `yaml:"supplement,omitempty"`
	Server      *server.Config `yaml:"server,omitempty"`
	StateTool   *StateTool     `yaml:"state_tool,omitempty"`
	Nodes       []Node         `yaml:"nodes,omitempty"`
}

// StateTool mounts the built-in state tool.
type StateTool struct {
	// Writable restricts set_state to these keys. Empty allows every key.
	Writable []string `yaml:"writable,omitempty"`
}

// Default returns the config used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{Provider: "openai"},
		Loop: LoopConfig{
			MaxCycles: flow.DefaultMaxCycles,
			Refresh:   "always",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		State:   core.State{},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands environment references in data, decodes it on top of
// Default and validates the result. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if cfg.State == nil {
		cfg.State = core.State{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values. A
// bare $VAR is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// Validate checks provider, loop settings and every node.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("%w: unknown model provider %q", ErrInvalid, c.Model.Provider)
	}
	if c.Model.MaxTokens < 0 || c.Model.MaxTokens > math.MaxInt32 {
		return fmt.Errorf("%w: model.max_tokens must be between 0 and %d", ErrInvalid, math.MaxInt32)
	}
	if _, err := c.RefreshPolicy(); err != nil {
		return err
	}
	if c.Loop.MaxCycles < 0 || c.Loop.MaxParallelTools < 0 {
		return fmt.Errorf("%w: loop limits must not be negative", ErrInvalid)
	}
	return validateNodes(c.Context.Nodes, "context.nodes")
}

// RefreshPolicy maps loop.refresh to a flow.RefreshPolicy.
func (c *Config) RefreshPolicy() (flow.RefreshPolicy, error) {
	switch strings.ToLower(c.Loop.Refresh) {
	case "", "always":
		return flow.RefreshAlways, nil
	case "on_request", "on-request":
		return flow.RefreshOnRequest, nil
	}
	return 0, fmt.Errorf("%w: unknown refresh policy %q", ErrInvalid, c.Loop.Refresh)
}

func validateNodes(nodes []Node, at string) error {
	for i, n := range nodes {
		path := fmt.Sprintf("%s[%d]", at, i)
		set := 0
		if n.Instruction != "" {
			set++
		}
		if n.Supplement != "" {
			set++
		}
		if n.Server != nil {
			set++
		}
		if n.StateTool != nil {
			set++
		}
		if n.Nodes != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: %s: exactly one of instruction, supplement, server, state_tool or nodes is required", ErrInvalid, path)
		}
		if _, err := ParseWhen(n.When); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
		if n.Server != nil {
			if err := n.Server.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		if err := validateNodes(n.Nodes, path+".nodes"); err != nil {
			return err
		}
	}
	return nil
}

package server

import (
	"errors"
	"fmt"
)

// Transport selects how a server is reached.
type Transport string

const (
	// TransportStdio launches a local process and speaks over stdin/stdout.
	TransportStdio Transport = "stdio"
	// TransportHTTP connects to a streamable HTTP endpoint.
	TransportHTTP Transport = "http"
	// TransportSSE connects to a server-sent events endpoint.
	TransportSSE Transport = "sse"
)

// Config describes one external tool server.
type Config struct {
	ID        string            `json:"id" yaml:"id"`
	Transport Transport         `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid server config")

// Normalize fills the transport from the other fields when unset: a command
// implies stdio, a URL implies http.
func (c Config) Normalize() Config {
	if c.Transport == "" {
		switch {
		case c.Command != "":
			c.Transport = TransportStdio
		case c.URL != "":
			c.Transport = TransportHTTP
		}
	}
	return c
}

// Validate checks the config after normalization.
func (c Config) Validate() error {
	c = c.Normalize()
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: server %s: stdio transport requires a command", ErrInvalidConfig, c.ID)
		}
	case TransportHTTP, TransportSSE:
		if c.URL == "" {
			return fmt.Errorf("%w: server %s: %s transport requires a url", ErrInvalidConfig, c.ID, c.Transport)
		}
	case "":
		return fmt.Errorf("%w: server %s: command or url is required", ErrInvalidConfig, c.ID)
	default:
		return fmt.Errorf("%w: server %s: unknown transport %q", ErrInvalidConfig, c.ID, c.Transport)
	}
	return nil
}

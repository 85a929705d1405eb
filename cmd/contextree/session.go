package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"github.com/hupe1980/contextree"
	"github.com/hupe1980/contextree/config"
	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/model"
	"github.com/hupe1980/contextree/model/anthropic"
	"github.com/hupe1980/contextree/model/gemini"
	"github.com/hupe1980/contextree/model/openai"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/server/mcp"
)

// Swapped in tests.
var (
	newModel   = buildModel
	newAdapter = func(logger logging.Logger) server.Adapter {
		return mcp.New(func(o *mcp.Options) { o.Logger = logger })
	}
)

// app bundles what a subcommand needs.
type app struct {
	cfg     *config.Config
	logger  logging.Logger
	session *contextree.Session
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	if len(sets) > 0 && cfg.State == nil {
		cfg.State = core.State{}
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		cfg.State[k] = parseValue(v)
	}
	return cfg, nil
}

// parseValue turns flag text into a bool, number or string.
func parseValue(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logging.LogLevelDebug
	}
	return logging.NewZapLogger(level, cfg.Logging.Format != "json")
}

// newApp builds the session for cfg and renders the configured tree.
func newApp(ctx context.Context, cmd *cobra.Command, cfg *config.Config, m model.Model) (*app, error) {
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	policy, err := cfg.RefreshPolicy()
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if cfg.Loop.ConnectTimeout != "" {
		if timeout, err = time.ParseDuration(cfg.Loop.ConnectTimeout); err != nil {
			return nil, fmt.Errorf("loop.connect_timeout: %w", err)
		}
	}

	noServers, _ := cmd.Flags().GetBool("no-servers")
	s := contextree.New(m, func(o *contextree.Options) {
		if !noServers {
			o.Adapter = newAdapter(logger)
		}
		o.ConnectTimeout = timeout
		o.MaxCycles = cfg.Loop.MaxCycles
		o.MaxParallelTools = cfg.Loop.MaxParallelTools
		o.RefreshPolicy = policy
		o.SupplementHeading = cfg.Context.SupplementHeading
		o.InitialState = cfg.State
		o.Logger = logger
	})

	root, err := cfg.Tree()
	if err != nil {
		return nil, err
	}
	res, err := s.Render(ctx, root, nil)
	if err != nil {
		_ = s.Unmount(ctx)
		return nil, err
	}
	for _, key := range res.Failed {
		logger.Warn("cli.node.failed", "key", key, "error", res.Errors[key].Error())
	}

	return &app{cfg: cfg, logger: logger, session: s}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.session.Unmount(ctx); err != nil {
		a.logger.Warn("cli.unmount.failed", "error", err.Error())
	}
}

// buildModel creates the model client named by cfg.
func buildModel(ctx context.Context, cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		var reqOpts []openaioption.RequestOption
		if cfg.APIKey != "" {
			reqOpts = append(reqOpts, openaioption.WithAPIKey(cfg.APIKey))
		}
		client := openaisdk.NewClient(reqOpts...)
		return openai.NewModelFromClient(&client, func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
		}), nil
	case "gemini":
		m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.Temperature != nil {
				o.Temperature = float32(*cfg.Temperature)
			}
			if cfg.MaxTokens > 0 {
				o.MaxOutputTokens = int32(min(cfg.MaxTokens, math.MaxInt32))
			}
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}

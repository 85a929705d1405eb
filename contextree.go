// Package contextree lets an application declare, as a tree of typed nodes,
// which instructions, supplementary documents, tools and external tool servers
// an LLM-driven agent should see, each gated by a predicate over application
// state.
//
// A Session owns the pieces:
//  1. Render evaluates a tree against state and reconciles the result into the
//     session registry, connecting and disconnecting tool servers as nodes
//     appear and disappear.
//  2. Chat runs one Reason/Act turn against the registry. When a tool changes
//     state, the tree is re-rendered between ACT and the next REASON step so
//     the model immediately sees the new context.
//  3. Unmount releases everything.
//
// Renders and chats may be called from different goroutines; renders are
// serialized by the session.
package contextree

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/flow"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/model"
	"github.com/hupe1980/contextree/reconcile"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/server"
	"github.com/hupe1980/contextree/telemetry"
	"github.com/hupe1980/contextree/tree"
)

// Result is the outcome of one chat turn.
type Result = flow.Result

// Options configures a Session.
type Options struct {
	// ID identifies the session in logs. Defaults to a random uuid.
	ID string

	// Adapter connects external tool servers. Without one, server nodes fail
	// to mount.
	Adapter server.Adapter
	// ConnectTimeout bounds a single server connect. Zero means no timeout.
	ConnectTimeout time.Duration

	// MaxCycles bounds REASON steps, that is model calls, per turn. A turn with
	// N tool rounds takes N+1 steps. Defaults to flow.DefaultMaxCycles.
	MaxCycles int
	// MaxParallelTools bounds concurrent tool calls in one ACT step. Zero
	// means unbounded.
	MaxParallelTools int
	// RefreshPolicy decides when the tree is re-rendered during a turn.
	RefreshPolicy flow.RefreshPolicy

	// SupplementHeading defaults to registry.DefaultSupplementHeading.
	SupplementHeading string

	// InitialState seeds the state store.
	InitialState core.State

	Logger logging.Logger
	// Telemetry defaults to instruments on the global OpenTelemetry providers.
	Telemetry *telemetry.Instruments
}

// Session binds a context tree, its state and a model.
type Session struct {
	id     string
	opts   Options
	logger logging.Logger

	state      *core.StateStore
	manager    *server.Manager
	registry   *registry.Registry
	reconciler *reconcile.Reconciler
	loop       *flow.Loop

	mu        sync.Mutex // serializes renders
	root      tree.Node
	committed *tree.Rendered
	closed    bool
}

// New creates a Session for m.
func New(m model.Model, optFns ...func(o *Options)) *Session {
	opts := Options{
		RefreshPolicy: flow.RefreshAlways,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ID == "" {
		opts.ID = core.NewID()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Default()
	}

	logger := logging.OrNoOp(opts.Logger)
	if cl, ok := logger.(*logging.ContextLogger); ok {
		logger = cl.WithSession(opts.ID)
	}

	s := &Session{
		id:     opts.ID,
		opts:   opts,
		logger: logger,
		state:  core.NewStateStore(opts.InitialState),
	}

	if opts.Adapter != nil {
		s.manager = server.NewManager(opts.Adapter, func(o *server.Options) {
			o.Logger = logger
			o.ConnectTimeout = opts.ConnectTimeout
		})
	}
	s.registry = registry.New(func(o *registry.Options) {
		o.Manager = s.manager
		o.Logger = logger
		o.SupplementHeading = opts.SupplementHeading
	})
	s.reconciler = reconcile.New(func(o *reconcile.Options) {
		o.Logger = logger
		o.Telemetry = opts.Telemetry
	})
	s.loop = flow.NewLoop(m, s.registry, func(o *flow.Options) {
		o.MaxCycles = opts.MaxCycles
		o.MaxParallel = opts.MaxParallelTools
		o.Refresher = flow.RefresherFunc(s.refreshFromLoop)
		o.RefreshPolicy = opts.RefreshPolicy
		o.State = s.state
		o.Logger = logger
		o.Telemetry = opts.Telemetry
	})

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the state store. Changes take effect on the next render.
func (s *Session) State() *core.StateStore { return s.state }

// Registry returns the live registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Committed returns the tree committed by the last render.
func (s *Session) Committed() *tree.Rendered {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.committed
}

// Render sets root as the session tree and reconciles it. A non-nil state
// replaces the current state first.
func (s *Session) Render(ctx context.Context, root tree.Node, state core.State) (*reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.ErrSessionClosed
	}
	if state != nil {
		s.state.Replace(state)
	}
	s.root = root
	return s.renderLocked(ctx, "render")
}

// Update replaces the state and re-renders the current tree.
func (s *Session) Update(ctx context.Context, state core.State) (*reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.ErrSessionClosed
	}
	s.state.Replace(state)
	return s.renderLocked(ctx, "update")
}

// Refresh re-renders the current tree against the current state.
func (s *Session) Refresh(ctx context.Context) (*reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, core.ErrSessionClosed
	}
	return s.renderLocked(ctx, "refresh")
}

func (s *Session) refreshFromLoop(ctx context.Context, ev flow.RefreshEvent) error {
	s.logger.Debug("session.refresh", "step", ev.Step, "requested", ev.Requested, "state_version", ev.StateVersion)
	_, err := s.Refresh(ctx)
	return err
}

func (s *Session) renderLocked(ctx context.Context, cause string) (*reconcile.Result, error) {
	next := tree.Render(s.root, s.state.Snapshot(), func(o *tree.RenderOptions) {
		o.Logger = s.logger
	})

	res, err := s.reconciler.Reconcile(ctx, s.committed, next, s.registry)
	if err != nil {
		return nil, err
	}
	s.committed = res.Committed

	s.logger.Debug("session.rendered",
		"cause", cause,
		"state_version", s.state.Version(),
		"revision", s.registry.Revision(),
		"failed", len(res.Failed),
	)
	return res, nil
}

// Chat appends message to history as a user message and runs one turn. The
// returned Result holds the full conversation, ready to be passed as history
// to the next call.
func (s *Session) Chat(ctx context.Context, message string, history []core.Message) (*Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, core.ErrSessionClosed
	}

	msgs := make([]core.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, core.NewUserMessage(message))

	return s.loop.Run(ctx, msgs)
}

// Unmount unmounts every node, disconnects all servers and closes the
// adapter when it implements io.Closer. The session cannot be used afterwards.
func (s *Session) Unmount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if _, err := s.reconciler.Reconcile(ctx, s.committed, tree.Render(nil, nil), s.registry); err != nil {
		errs = append(errs, err)
	}
	s.committed = nil
	s.root = nil

	if err := s.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.manager != nil {
		if err := s.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := s.opts.Adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("session.unmounted")
	return errors.Join(errs...)
}

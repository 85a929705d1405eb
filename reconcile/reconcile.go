// Package reconcile applies the difference between two rendered context trees
// to a registry.
//
// A pass unmounts entries that disappeared or became inactive (in previous
// order), then updates and mounts entries of the next tree (in next order).
// Servers introduced by the pass are connected concurrently before the commit,
// and every registry mutation of the pass happens in one registry batch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/telemetry"
	"github.com/hupe1980/contextree/tool"
	"github.com/hupe1980/contextree/tree"
)

// ErrNilRegistry is returned when Reconcile is called without a registry.
var ErrNilRegistry = errors.New("reconcile: nil registry")

// Options configures a Reconciler.
type Options struct {
	Logger    logging.Logger
	Telemetry *telemetry.Instruments
	// MaxConcurrentConnects bounds parallel server connects. Zero means
	// unbounded.
	MaxConcurrentConnects int
}

// Reconciler diffs rendered trees into a registry. It holds no per-pass state
// and is safe for concurrent use, though passes against the same registry
// should be serialized by the caller.
type Reconciler struct {
	opts   Options
	logger logging.Logger
}

// New creates a Reconciler.
func New(optFns ...func(o *Options)) *Reconciler {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Reconciler{
		opts:   opts,
		logger: logging.OrNoOp(opts.Logger),
	}
}

// Result describes one reconcile pass.
type Result struct {
	// Committed is the next tree with every entry that failed to commit
	// marked inactive. Pass it as previous to the following pass.
	Committed *tree.Rendered

	Mounted   []string
	Updated   []string
	Unmounted []string
	Failed    []string

	// Errors holds the activation or commit error per failed key.
	Errors map[string]error
}

// Changed reports whether the pass mutated the registry.
func (r *Result) Changed() bool {
	return len(r.Mounted)+len(r.Updated)+len(r.Unmounted) > 0
}

type opKind int

const (
	opMount opKind = iota
	opUpdate
)

type op struct {
	kind opKind
	prev tree.Entry
	next tree.Entry
}

type connected struct {
	id    string
	tools []tool.Tool
	err   error
}

// Reconcile applies the difference between previous and next to reg. A nil
// previous is an empty tree. Node failures are reported in the Result and
// never abort the pass; the returned error is non-nil only when the commit
// could not start.
func (rc *Reconciler) Reconcile(ctx context.Context, previous, next *tree.Rendered, reg *registry.Registry) (*Result, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}

	start := time.Now()
	ctx, span := rc.opts.Telemetry.Start(ctx, telemetry.SpanReconcile,
		attribute.Int("entries.previous", previous.Len()),
		attribute.Int("entries.next", next.Len()),
	)

	res := &Result{Errors: map[string]error{}}

	// Plan.
	var unmounts []tree.Entry
	for _, p := range previous.Entries() {
		if !p.Active {
			continue
		}
		if n, ok := next.Lookup(p.Key); !ok || !n.Active {
			unmounts = append(unmounts, p)
		}
	}

	var ops []op
	for _, n := range next.Entries() {
		if n.Err != nil {
			res.fail(n.Key, n.Err)
		}
		if !n.Active {
			continue
		}
		p, ok := previous.Lookup(n.Key)
		switch {
		case !ok || !p.Active:
			ops = append(ops, op{kind: opMount, next: n})
		case !tree.SamePayload(p, n):
			ops = append(ops, op{kind: opUpdate, prev: p, next: n})
		}
	}

	pre := rc.preconnect(ctx, reg, ops, unmounts)

	committed := false
	err := reg.Batch(ctx, func(tx *registry.Tx) error {
		committed = true
		for _, e := range unmounts {
			rc.unmount(ctx, tx, e)
			res.Unmounted = append(res.Unmounted, e.Key)
		}
		for _, o := range ops {
			if err := rc.apply(ctx, tx, o, pre[o.next.Key]); err != nil {
				res.fail(o.next.Key, err)
				continue
			}
			if o.kind == opMount {
				res.Mounted = append(res.Mounted, o.next.Key)
			} else {
				res.Updated = append(res.Updated, o.next.Key)
			}
		}
		return nil
	})
	if !committed {
		rc.release(ctx, reg, pre)
	}
	if err != nil {
		telemetry.End(span, err)
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	res.Committed = next.WithInactive(res.Errors, res.Failed...)

	rc.opts.Telemetry.ReconcileOps(ctx, "mount", len(res.Mounted))
	rc.opts.Telemetry.ReconcileOps(ctx, "update", len(res.Updated))
	rc.opts.Telemetry.ReconcileOps(ctx, "unmount", len(res.Unmounted))
	rc.opts.Telemetry.ReconcileOps(ctx, "fail", len(res.Failed))
	logging.Reconcile(rc.logger, len(res.Mounted), len(res.Updated), len(res.Unmounted), len(res.Failed), time.Since(start))
	telemetry.End(span, nil)

	return res, nil
}

func (r *Result) fail(key string, err error) {
	if _, seen := r.Errors[key]; !seen {
		r.Failed = append(r.Failed, key)
	}
	r.Errors[key] = err
}

// preconnect connects the servers mounted by ops whose id is not registered
// and not released or claimed earlier in this pass. The remaining server mounts connect inside
// the batch after the unmounts ran.
func (rc *Reconciler) preconnect(ctx context.Context, reg *registry.Registry, ops []op, unmounts []tree.Entry) map[string]*connected {
	mgr := reg.Manager()
	if mgr == nil {
		return nil
	}

	released := map[string]bool{}
	for _, e := range unmounts {
		if e.Kind == tree.KindServer {
			released[e.Server.ID] = true
		}
	}

	claimed := map[string]bool{}

	var (
		mu  sync.Mutex
		out = map[string]*connected{}
		g   errgroup.Group
	)
	if rc.opts.MaxConcurrentConnects > 0 {
		g.SetLimit(rc.opts.MaxConcurrentConnects)
	}
	for _, o := range ops {
		if o.kind != opMount || o.next.Kind != tree.KindServer {
			continue
		}
		cfg := o.next.Server
		if released[cfg.ID] || claimed[cfg.ID] || reg.HasServer(cfg.ID) {
			continue
		}
		claimed[cfg.ID] = true
		key := o.next.Key
		g.Go(func() error {
			tools, err := mgr.Connect(ctx, cfg)
			mu.Lock()
			out[key] = &connected{id: cfg.ID, tools: tools, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// release disconnects servers connected for a pass that never committed.
func (rc *Reconciler) release(ctx context.Context, reg *registry.Registry, pre map[string]*connected) {
	ids := make([]string, 0, len(pre))
	for _, c := range pre {
		if c.err == nil {
			ids = append(ids, c.id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := reg.Manager().Disconnect(context.WithoutCancel(ctx), id); err != nil {
			rc.logger.Warn("reconcile.server.release_failed", "server_id", id, "error", err.Error())
		}
	}
}

func (rc *Reconciler) unmount(ctx context.Context, tx *registry.Tx, e tree.Entry) {
	rc.logger.Debug("reconcile.node.unmount", "key", e.Key, "kind", string(e.Kind))
	switch e.Kind {
	case tree.KindInstruction:
		tx.UnregisterInstruction(e.Key)
	case tree.KindSupplement:
		tx.UnregisterSupplement(e.Key)
	case tree.KindTool:
		tx.UnregisterToolAs(e.Key, e.Tool.Name())
	case tree.KindServer:
		if err := tx.UnregisterServer(ctx, e.Server.ID); err != nil {
			rc.logger.Warn("reconcile.server.disconnect_failed", "key", e.Key, "server_id", e.Server.ID, "error", err.Error())
		}
	}
}

func (rc *Reconciler) apply(ctx context.Context, tx *registry.Tx, o op, pre *connected) error {
	e := o.next
	if o.kind == opMount {
		rc.logger.Debug("reconcile.node.mount", "key", e.Key, "kind", string(e.Kind))
	} else {
		rc.logger.Debug("reconcile.node.update", "key", e.Key, "kind", string(e.Kind))
	}

	switch e.Kind {
	case tree.KindInstruction:
		tx.RegisterInstruction(e.Key, e.Text)
	case tree.KindSupplement:
		tx.RegisterSupplement(e.Key, e.Text)
	case tree.KindTool:
		if o.kind == opUpdate && o.prev.Tool.Name() != e.Tool.Name() {
			tx.UnregisterToolAs(e.Key, o.prev.Tool.Name())
		}
		tx.RegisterToolAs(e.Key, e.Tool)
	case tree.KindServer:
		if o.kind == opUpdate {
			if err := tx.UnregisterServer(ctx, o.prev.Server.ID); err != nil {
				rc.logger.Warn("reconcile.server.disconnect_failed", "key", e.Key, "server_id", o.prev.Server.ID, "error", err.Error())
			}
		}
		if pre != nil {
			if pre.err != nil {
				rc.logger.Warn("reconcile.node.failed", "key", e.Key, "error", pre.err.Error())
				return pre.err
			}
			tx.AttachServer(e.Server.Normalize(), pre.tools)
			return nil
		}
		if err := tx.RegisterServer(ctx, e.Server); err != nil {
			rc.logger.Warn("reconcile.node.failed", "key", e.Key, "error", err.Error())
			return err
		}
	}
	return nil
}

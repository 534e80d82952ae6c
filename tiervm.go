package tiervm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maverick0025/tiervm/backoff"
	"github.com/maverick0025/tiervm/tracecache"
)

// ═══════════════════════════════════════════════════════════════════════════
// TIER-UP CONTROLLER: When Does The Interpreter Stop Interpreting?
// ═══════════════════════════════════════════════════════════════════════════
//
// WHAT THIS IS:
// The decision layer between a bytecode interpreter and its trace optimizer.
// The interpreter reports two kinds of events as it runs:
//
//   - a loop back-edge executed          → OnLoopBackEdge
//   - a side exit left an installed trace → OnSideExit
//
// and gets back a single instruction: keep interpreting, or enter the trace
// installed at this location. Everything in between (counting occurrences,
// exponential backoff between attempts, bounding the chain of stitched
// traces, refusing to chase low-probability exits, bounding the metadata
// itself) is this package's job.
//
// THE CONTROL LOOP:
// Each event observes the site in the table and advances its counter. The
// overwhelmingly common result is Continue: no allocation, no logging, no
// metrics, just a decrement. When the counter fires, the slow path takes
// over: the chain gate is consulted (side exits only), a span is opened,
// and the site is handed to the Optimizer. Success installs the trace and
// re-arms the counter at the steady-state interval; failure re-arms it at
// the cooldown interval so a broken site cannot spin the optimizer.
//
// WHY THE COUNTER KEEPS RUNNING AFTER INSTALL:
// Reaching OnLoopBackEdge at an Installed site means the interpreter, not
// the trace, executed that iteration. Occasional occurrences are normal
// (exits replay a few instructions before re-entering); a steady stream
// means the trace no longer covers the loop. The steady-state counter turns
// that stream into a recompile attempt.
//
// ═══════════════════════════════════════════════════════════════════════════

// ErrNoOptimizer is returned by New when no Optimizer is supplied. The
// controller is pure bookkeeping without one.
var ErrNoOptimizer = errors.New("optimizer is required")

// Action is the controller's answer to an interpreter event.
type Action uint8

const (
	// ActionInterpret: keep executing bytecode.
	ActionInterpret Action = iota

	// ActionEnterTrace: a trace is installed at this location; enter it.
	ActionEnterTrace
)

func (a Action) String() string {
	switch a {
	case ActionInterpret:
		return "interpret"
	case ActionEnterTrace:
		return "enter_trace"
	default:
		return "invalid"
	}
}

// Optimizer is the external trace pipeline. Compile receives the firing
// site (key, kind, chain depth, counter state) and reports:
//
//   - confidence: the optimizer's 0-1000 estimate that the new trace stays
//     on its projected path. For chained exits the controller composes this
//     onto the parent's confidence, so deep chains decay naturally.
//   - installed: whether a trace now exists at the site. False with a nil
//     error means the optimizer declined (trace too short, unsupported
//     bytecode); the site cools down and retries later.
//   - err: the pipeline itself failed. Treated like a decline for counter
//     purposes, but logged at Warn and marked on the span.
//
// Compile runs synchronously on the interpreter thread. Implementations
// that background the real work should return installed=false and install
// on a later fire.
type Optimizer interface {
	Compile(ctx context.Context, site *tracecache.Site) (confidence backoff.Confidence, installed bool, err error)
}

// Config assembles a Controller. Zero values select working defaults, so
// the minimal embedder sets only Optimizer.
type Config struct {
	// Policy is the backoff tuning. The zero value selects
	// backoff.DefaultPolicy(); anything else must pass Validate.
	Policy backoff.Policy

	// TableSize is the site-table capacity, a power of two. Zero selects
	// tracecache.DefaultCapacity.
	TableSize int

	// Optimizer compiles firing sites. Required.
	Optimizer Optimizer

	// Logger receives Debug fire decisions and Warn optimizer errors.
	// Nil selects slog.Default().
	Logger *slog.Logger

	// Tracer emits one span per optimization attempt. Nil selects the
	// global otel tracer provider.
	Tracer trace.Tracer

	// Registry is where metrics register. Nil leaves them unregistered
	// (working, invisible); pass prometheus.DefaultRegisterer to export.
	Registry prometheus.Registerer
}

// Controller owns the policy, the site table, and the optimizer hand-off.
// Not safe for concurrent use: like the table it wraps, a Controller belongs
// to one interpreter thread. Multiple interpreters get one Controller each;
// policies may differ per instance.
type Controller struct {
	policy backoff.Policy
	table  *tracecache.Table
	opt    Optimizer

	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	// seenEvictions is the table's eviction count at the last metric
	// refresh; the delta feeds the monotonic Prometheus counter.
	seenEvictions uint64
}

// New builds a Controller, filling Config defaults and validating the
// policy and table capacity.
func New(cfg Config) (*Controller, error) {
	if cfg.Optimizer == nil {
		return nil, ErrNoOptimizer
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if cfg.TableSize == 0 {
		cfg.TableSize = tracecache.DefaultCapacity
	}
	table, err := tracecache.NewTable(cfg.TableSize, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("site table: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/maverick0025/tiervm")
	}

	c := &Controller{
		policy:  cfg.Policy,
		table:   table,
		opt:     cfg.Optimizer,
		log:     cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: newMetrics(cfg.Registry),
	}
	c.log.Info("tier-up controller ready",
		"table_capacity", table.Capacity(),
		"loop_threshold", cfg.Policy.LoopThreshold,
		"exit_threshold", cfg.Policy.ExitThreshold,
		"max_chain_depth", cfg.Policy.MaxChainDepth,
		"confidence_floor", int(cfg.Policy.ConfidenceFloor),
	)
	return c, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Interpreter hooks
// ───────────────────────────────────────────────────────────────────────────

// OnLoopBackEdge records one execution of the loop back-edge at key and
// answers what the interpreter should do next. The common path is a single
// counter decrement; a fire hands the site to the optimizer before
// returning.
func (c *Controller) OnLoopBackEdge(ctx context.Context, key tracecache.SiteKey) Action {
	site := c.table.Observe(key, backoff.LoopBackward)
	if site.Advance() == backoff.Continue {
		return actionFor(site)
	}
	c.metrics.fires.WithLabelValues(site.Kind.String()).Inc()
	return c.compile(ctx, site, backoff.ConfidenceFull)
}

// OnSideExit records one traversal of a side exit out of an installed
// trace. parentDepth and parentConfidence describe the trace being exited;
// on a fire they feed the chain gate, which can block the hand-off before
// the optimizer ever runs:
//
//   - depth at the cap: the site is silenced permanently. No amount of
//     further traffic changes the verdict, so the counter becomes
//     unreachable and every later event costs one no-op decrement.
//   - confidence below the floor: the site cools down like a failed
//     attempt. The parent trace may later be replaced by a better one, so
//     the verdict is worth re-checking.
func (c *Controller) OnSideExit(ctx context.Context, key tracecache.SiteKey, parentDepth int, parentConfidence backoff.Confidence) Action {
	site := c.table.Observe(key, backoff.SideExit)
	if site.Advance() == backoff.Continue {
		return actionFor(site)
	}
	c.metrics.fires.WithLabelValues(site.Kind.String()).Inc()

	if !c.policy.ShouldChain(parentDepth, parentConfidence) {
		if parentDepth >= c.policy.MaxChainDepth {
			site.Silence()
			c.metrics.chainsBlocked.WithLabelValues(reasonDepth).Inc()
			c.log.Debug("side exit silenced at chain depth cap",
				"code", key.Code, "offset", key.Offset, "depth", parentDepth)
		} else {
			site.Counter = c.policy.ResetOnFailure(site.Counter)
			site.State = tracecache.Cooling
			c.metrics.chainsBlocked.WithLabelValues(reasonConfidence).Inc()
			c.log.Debug("side exit below confidence floor",
				"code", key.Code, "offset", key.Offset,
				"confidence", int(parentConfidence), "depth", parentDepth)
		}
		c.refreshTableMetrics()
		return ActionInterpret
	}

	site.ChainDepth = parentDepth + 1
	return c.compile(ctx, site, parentConfidence)
}

// actionFor maps a site's standing state to the continue-path answer. A
// trace installed at the location should be entered; everything else keeps
// interpreting.
//
//go:inline
func actionFor(site *tracecache.Site) Action {
	if site.State == tracecache.Installed {
		return ActionEnterTrace
	}
	return ActionInterpret
}

// compile hands a fired site to the optimizer and applies the outcome to
// the site's counter, state, and confidence. parent is ConfidenceFull for
// loop roots; for chained exits it is the exiting trace's confidence, so
// the child's stored confidence is the product along the whole chain.
func (c *Controller) compile(ctx context.Context, site *tracecache.Site, parent backoff.Confidence) Action {
	kind := site.Kind.String()

	ctx, span := c.tracer.Start(ctx, "tiervm.compile", trace.WithAttributes(
		attribute.String("tiervm.kind", kind),
		attribute.Int64("tiervm.code", int64(site.Key.Code)),
		attribute.Int64("tiervm.offset", int64(site.Key.Offset)),
		attribute.Int("tiervm.chain_depth", site.ChainDepth),
		attribute.Int("tiervm.exponent", int(site.Counter.Exponent())),
	))
	defer span.End()
	defer c.refreshTableMetrics()

	confidence, installed, err := c.opt.Compile(ctx, site)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		site.Counter = c.policy.ResetOnFailure(site.Counter)
		site.State = tracecache.Cooling
		c.metrics.failures.WithLabelValues(kind, reasonError).Inc()
		c.log.Warn("optimizer error",
			"kind", kind, "code", site.Key.Code, "offset", site.Key.Offset, "err", err)
		return ActionInterpret

	case !installed:
		span.SetStatus(codes.Ok, "")
		site.Counter = c.policy.ResetOnFailure(site.Counter)
		site.State = tracecache.Cooling
		c.metrics.failures.WithLabelValues(kind, reasonDeclined).Inc()
		c.log.Debug("optimizer declined",
			"kind", kind, "code", site.Key.Code, "offset", site.Key.Offset,
			"retry_after", site.Counter.Remaining())
		return ActionInterpret

	default:
		span.SetStatus(codes.Ok, "")
		site.Confidence = parent.Clamp().Apply(confidence.Clamp())
		site.Counter = c.policy.ResetOnSuccess(site.Counter)
		site.State = tracecache.Installed
		c.metrics.installs.WithLabelValues(kind).Inc()
		c.log.Debug("trace installed",
			"kind", kind, "code", site.Key.Code, "offset", site.Key.Offset,
			"chain_depth", site.ChainDepth, "confidence", int(site.Confidence))
		return ActionEnterTrace
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Lifecycle and introspection
// ───────────────────────────────────────────────────────────────────────────

// InvalidateCode destroys every site belonging to a freed code object,
// returning how many were removed.
func (c *Controller) InvalidateCode(code uint32) int {
	n := c.table.InvalidateCode(code)
	if n > 0 {
		c.log.Debug("code object invalidated", "code", code, "sites", n)
	}
	c.refreshTableMetrics()
	return n
}

// Invalidate destroys the single site at key, reporting whether it existed.
// The escape hatch for a silenced site: destroy it and let the next
// observation start fresh.
func (c *Controller) Invalidate(key tracecache.SiteKey) bool {
	ok := c.table.Invalidate(key)
	c.refreshTableMetrics()
	return ok
}

// Reset empties the site table, as after a full code reload.
func (c *Controller) Reset() {
	c.table.Reset()
	c.seenEvictions = 0
	c.refreshTableMetrics()
}

// Policy returns the controller's immutable tuning.
func (c *Controller) Policy() backoff.Policy {
	return c.policy
}

// Stats snapshots the site table.
func (c *Controller) Stats() tracecache.TableStats {
	return c.table.Stats()
}

// refreshTableMetrics re-reads table occupancy and evictions. Called on
// fires and invalidations only; the continue path never pays for it.
func (c *Controller) refreshTableMetrics() {
	c.metrics.sitesOccupied.Set(float64(c.table.Len()))
	if ev := c.table.Evictions(); ev > c.seenEvictions {
		c.metrics.evictions.Add(float64(ev - c.seenEvictions))
		c.seenEvictions = ev
	}
}

// Package engine assembles the tiers, maintenance routines, and working
// buffer into one memory engine.
//
// An Engine is an explicit instance: construct it with New, start its
// maintenance loops with Start, and stop them with Shutdown. Multiple
// engines can coexist in one process, each over its own tiers.
//
//	eng, err := engine.New(recent, intermediate, durable, engine.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(context.Background())
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/buffer"
	"github.com/mnemo-ai/mnemo/consolidate"
	"github.com/mnemo-ai/mnemo/decay"
	"github.com/mnemo-ai/mnemo/policy"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/search"
	"github.com/mnemo-ai/mnemo/strain"
	"github.com/mnemo-ai/mnemo/telemetry"
	"github.com/mnemo-ai/mnemo/tier"
)

// strainComponent names this engine to the strain provider.
const strainComponent = "memory"

// Default maintenance timings.
const (
	DefaultConsolidateInterval = time.Minute
	DefaultDecayInterval       = 30 * time.Second
	DefaultRefreshInterval     = 15 * time.Second
	DefaultErrorBackoff        = 5 * time.Second
	DefaultShutdownTimeout     = 10 * time.Second
)

// ErrStarted is returned by Start when the engine is already running.
var ErrStarted = errors.New("engine: already started")

// ErrClosed is returned by operations on a shut-down engine.
var ErrClosed = errors.New("engine: closed")

// Options configures an Engine. The zero value is usable: defaults apply
// to every field.
type Options struct {
	// ConsolidateInterval is the period between consolidation cycles.
	ConsolidateInterval time.Duration

	// DecayInterval is the period between decay passes.
	DecayInterval time.Duration

	// RefreshInterval is the period between working-buffer refreshes.
	RefreshInterval time.Duration

	// ErrorBackoff is how long a maintenance loop waits after a failed
	// pass before trying again.
	ErrorBackoff time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for the loops when
	// the caller's context carries no deadline.
	ShutdownTimeout time.Duration

	// BufferCapacity bounds the working buffer. Zero means the buffer
	// package default.
	BufferCapacity int

	// BufferMinRelevance drops buffer candidates scoring below it.
	BufferMinRelevance float64

	// Policy is the consolidation classification policy.
	Policy policy.Config

	// Strain supplies the external adjustment signal. Nil means a fixed
	// nominal signal.
	Strain strain.Provider

	// Logger receives engine and maintenance logs. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Metrics receives engine counters. Nil disables recording.
	Metrics *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.ConsolidateInterval <= 0 {
		o.ConsolidateInterval = DefaultConsolidateInterval
	}
	if o.DecayInterval <= 0 {
		o.DecayInterval = DefaultDecayInterval
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Strain == nil {
		o.Strain = strain.Static{Signal: strain.Nominal()}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine is the tiered memory engine facade.
type Engine struct {
	opts Options

	recent       *tier.Tier
	intermediate *tier.Tier
	durable      *tier.Tier

	router       *search.Router
	buf          *buffer.Buffer
	consolidator *consolidate.Engine
	decayer      *decay.Engine

	logger  *slog.Logger
	metrics *telemetry.Metrics

	// lifecycle
	mu        sync.Mutex
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	closed    bool

	// lastDecay tracks elapsed time per decaying tier between passes.
	decayMu   sync.Mutex
	lastDecay map[tier.Level]time.Time

	// cumulative maintenance counters, also mirrored to otel.
	nConsolidated atomic.Int64
	nDecayed      atomic.Int64
	nEvicted      atomic.Int64
}

// New assembles an engine over the three tiers.
func New(recent, intermediate, durable *tier.Tier, opts Options) (*Engine, error) {
	if recent == nil || intermediate == nil || durable == nil {
		return nil, errors.New("engine: all three tiers are required")
	}
	opts = opts.withDefaults()

	e := &Engine{
		opts:         opts,
		recent:       recent,
		intermediate: intermediate,
		durable:      durable,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		lastDecay:    make(map[tier.Level]time.Time),
	}
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	e.router = search.NewRouter([]*tier.Tier{recent, intermediate, durable}, opts.Logger, opts.Metrics)
	e.buf = buffer.New(e.router, buffer.Options{
		Capacity:     opts.BufferCapacity,
		MinRelevance: opts.BufferMinRelevance,
		Touch:        e.markAccess,
		Logger:       opts.Logger,
	})
	e.consolidator = consolidate.New(recent, intermediate, durable, consolidate.Options{
		Policy:  opts.Policy,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	e.decayer = decay.New(decay.Options{Logger: opts.Logger, Metrics: opts.Metrics})

	// Capacity-pressure evictions happen inside tier.Insert; the hook is
	// the only way they reach the engine counters.
	for _, t := range e.tiers() {
		name := t.Level().String()
		t.SetEvictionHook(func(*record.Record) {
			e.nEvicted.Add(1)
			e.metrics.Evicted(context.Background(), 1, name)
		})
	}
	return e, nil
}

// AddOptions controls record creation through the facade. The zero value
// stores an unranked, tagless record in the recent tier.
type AddOptions struct {
	// Importance seeds the record's importance score, clamped to [0, 1].
	// 1.0 pins the record.
	Importance float64

	// Tags label the record for classification and filtered search.
	Tags []string

	// Embedding attaches a pre-computed vector. Records without one are
	// rejected by vector-capable backends, so callers intending a record
	// for the durable tier should supply it here.
	Embedding []float32

	// Tier selects the initial tier. Default Recent.
	Tier tier.Level
}

// Add stores new content and kicks off a working-buffer refresh in the
// background. The destination defaults to the recent tier; importance,
// tags, an embedding, and an explicit initial tier come through opts.
func (e *Engine) Add(ctx context.Context, content map[string]any, opts AddOptions) (*record.Record, error) {
	if err := e.live(); err != nil {
		return nil, err
	}

	dest, err := e.tierAt(opts.Tier)
	if err != nil {
		return nil, err
	}

	r := record.New(content)
	r.SetImportance(opts.Importance)
	for _, tag := range opts.Tags {
		r.AddTag(tag)
	}
	if len(opts.Embedding) > 0 {
		r.Embedding = append([]float32(nil), opts.Embedding...)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := dest.Insert(ctx, r); err != nil {
		return nil, err
	}

	e.refreshAsync()
	return r.Clone(), nil
}

// Get finds a record by ID, checking tiers in ascending order, and marks
// the access.
func (e *Engine) Get(ctx context.Context, id string) (*record.Record, error) {
	if err := e.live(); err != nil {
		return nil, err
	}

	for _, t := range e.tiers() {
		r, err := t.Get(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
	}
	return nil, backend.ErrNotFound
}

// GetFrom looks a record up in a single tier only, marking the access on
// a hit.
func (e *Engine) GetFrom(ctx context.Context, level tier.Level, id string) (*record.Record, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	t, err := e.tierAt(level)
	if err != nil {
		return nil, err
	}
	return t.Get(ctx, id)
}

// Search fans the query out across all tiers and returns the merged
// ranked results.
func (e *Engine) Search(ctx context.Context, q backend.Query, opts search.Options) ([]search.Result, error) {
	if err := e.live(); err != nil {
		return nil, err
	}
	return e.router.Search(ctx, q, opts)
}

// UpdateContext sets the current context description and refreshes the
// working buffer in the background. A pre-computed embedding of the
// context may be supplied so vector-capable tiers rank by similarity
// during the refresh; pass nil to rank lexically everywhere.
func (e *Engine) UpdateContext(ctx context.Context, desc string, embedding []float32) error {
	if err := e.live(); err != nil {
		return err
	}
	e.buf.SetContext(desc, embedding)
	e.refreshAsync()
	return nil
}

// ContextWindow renders the working buffer as prompt-ready text and marks
// the included records as accessed.
func (e *Engine) ContextWindow(ctx context.Context, maxItems, maxLen int) (string, error) {
	if err := e.live(); err != nil {
		return "", err
	}
	return e.buf.Window(ctx, maxItems, maxLen), nil
}

// ConsolidateNow runs a full consolidation cycle synchronously, outside
// the scheduler.
func (e *Engine) ConsolidateNow(ctx context.Context) (consolidate.Result, error) {
	if err := e.live(); err != nil {
		return consolidate.Result{}, err
	}
	return e.runCycle(ctx), nil
}

func (e *Engine) runCycle(ctx context.Context) consolidate.Result {
	res := e.consolidator.Cycle(ctx, e.strainSnapshot(ctx))
	e.nConsolidated.Add(int64(res.Moved))
	return res
}

// Pin sets a record's importance to 1.0, exempting it from decay,
// eviction, and capacity pressure wherever it lives.
func (e *Engine) Pin(ctx context.Context, id string) error {
	return e.update(ctx, id, func(r *record.Record) {
		r.SetImportance(1.0)
	})
}

// Unpin lowers a pinned record's importance so normal retention applies
// again.
func (e *Engine) Unpin(ctx context.Context, id string, importance float64) error {
	return e.update(ctx, id, func(r *record.Record) {
		r.SetImportance(importance)
	})
}

// Delete removes a record from whichever tier holds it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.live(); err != nil {
		return err
	}

	for _, t := range e.tiers() {
		err := t.Backend().Delete(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return backend.ErrNotFound
}

// Link records a typed, weighted relationship from one record to another.
// Both records must exist somewhere in the hierarchy.
func (e *Engine) Link(ctx context.Context, fromID, toID, edgeType string, weight float64) error {
	if err := e.live(); err != nil {
		return err
	}

	found, err := e.exists(ctx, toID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("link target %s: %w", toID, backend.ErrNotFound)
	}

	return e.update(ctx, fromID, func(r *record.Record) {
		r.Link(toID, edgeType, weight)
	})
}

// Related returns the records a record links to, strongest edges first.
// Dangling edges are skipped.
func (e *Engine) Related(ctx context.Context, id string) ([]*record.Record, error) {
	if err := e.live(); err != nil {
		return nil, err
	}

	r, err := e.read(ctx, id)
	if err != nil {
		return nil, err
	}

	type edge struct {
		id     string
		weight float64
	}
	edges := make([]edge, 0, len(r.Relationships))
	for target, rel := range r.Relationships {
		edges = append(edges, edge{id: target, weight: rel.Weight})
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].weight > edges[j].weight
	})

	out := make([]*record.Record, 0, len(edges))
	for _, ed := range edges {
		rel, err := e.read(ctx, ed.id)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// Counters are the engine's cumulative maintenance totals since
// construction.
type Counters struct {
	Consolidated int64 `json:"consolidated"`
	Decayed      int64 `json:"decayed"`
	Evicted      int64 `json:"evicted"`
}

// Stats reports per-tier storage stats, the buffer state, and the
// maintenance counters.
type Stats struct {
	Tiers       map[string]backend.Stats `json:"tiers"`
	Buffer      int                      `json:"buffer_entries"`
	Context     string                   `json:"context,omitempty"`
	Maintenance Counters                 `json:"maintenance"`
}

// Stats collects storage stats from every tier.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if err := e.live(); err != nil {
		return Stats{}, err
	}

	out := Stats{
		Tiers:   make(map[string]backend.Stats, 3),
		Buffer:  e.buf.Len(),
		Context: e.buf.Context(),
		Maintenance: Counters{
			Consolidated: e.nConsolidated.Load(),
			Decayed:      e.nDecayed.Load(),
			Evicted:      e.nEvicted.Load(),
		},
	}
	for _, t := range e.tiers() {
		st, err := t.Stats(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("stats for %s tier: %w", t.Level(), err)
		}
		out.Tiers[t.Level().String()] = st
	}
	return out, nil
}

// tiers returns the hierarchy in ascending level order.
func (e *Engine) tiers() []*tier.Tier {
	return []*tier.Tier{e.recent, e.intermediate, e.durable}
}

func (e *Engine) tierAt(level tier.Level) (*tier.Tier, error) {
	switch level {
	case tier.Recent:
		return e.recent, nil
	case tier.Intermediate:
		return e.intermediate, nil
	case tier.Durable:
		return e.durable, nil
	default:
		return nil, fmt.Errorf("engine: unknown tier %s", level)
	}
}

// read finds a record without marking the access.
func (e *Engine) read(ctx context.Context, id string) (*record.Record, error) {
	for _, t := range e.tiers() {
		r, err := t.Backend().Read(ctx, id)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
	}
	return nil, backend.ErrNotFound
}

func (e *Engine) exists(ctx context.Context, id string) (bool, error) {
	for _, t := range e.tiers() {
		ok, err := t.Backend().Exists(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// update applies a mutation to a record in whichever tier holds it.
func (e *Engine) update(ctx context.Context, id string, mutate func(*record.Record)) error {
	if err := e.live(); err != nil {
		return err
	}

	for _, t := range e.tiers() {
		r, err := t.Backend().Read(ctx, id)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		mutate(r)
		return t.Backend().Update(ctx, r)
	}
	return backend.ErrNotFound
}

// markAccess is the buffer's touch hook; the record may live in any tier.
func (e *Engine) markAccess(ctx context.Context, id string) error {
	for _, t := range e.tiers() {
		err := t.Touch(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, backend.ErrNotFound) {
			return err
		}
	}
	return backend.ErrNotFound
}

// strainSnapshot reads the provider once; a failing provider degrades to
// the nominal signal.
func (e *Engine) strainSnapshot(ctx context.Context) strain.Signal {
	sig, err := e.opts.Strain.CurrentStrain(ctx, strainComponent)
	if err != nil {
		e.logger.Warn("strain provider failed, using nominal", "error", err)
		return strain.Nominal()
	}
	return sig.Clamped()
}

func (e *Engine) live() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

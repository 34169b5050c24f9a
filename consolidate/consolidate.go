// Package consolidate moves records up the memory hierarchy.
//
// Consolidation selects records from a source tier whose retention
// strength clears an activation threshold, classifies each one's
// destination, writes it there, and removes the source copy only after the
// destination write succeeds. Per-record failures are counted and skipped;
// a batch never aborts. Re-running with no new qualifying records is a
// no-op.
//
// The external strain signal modulates the activation threshold: higher
// strain raises the bar, so less gets promoted. A critical signal skips
// the cycle entirely so storage is not churned while the host is
// unhealthy.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/policy"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/strain"
	"github.com/mnemo-ai/mnemo/telemetry"
	"github.com/mnemo-ai/mnemo/tier"
)

// Options configures the consolidation engine.
type Options struct {
	// Policy is the destination classification policy. The zero value
	// uses package policy defaults.
	Policy policy.Config

	// Logger receives per-cycle summaries and per-record failures.
	// Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics receives consolidation counters. Nil disables recording.
	Metrics *telemetry.Metrics
}

// Engine consolidates records across the three tiers.
type Engine struct {
	recent       *tier.Tier
	intermediate *tier.Tier
	durable      *tier.Tier
	policy       policy.Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// New creates a consolidation engine over the tier hierarchy.
func New(recent, intermediate, durable *tier.Tier, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		recent:       recent,
		intermediate: intermediate,
		durable:      durable,
		policy:       opts.Policy,
		logger:       logger,
		metrics:      opts.Metrics,
	}
}

// Result reports one consolidation pass.
type Result struct {
	// Moved is the number of records relocated to a higher tier.
	Moved int

	// Skipped is true when the cycle stood down on a critical strain
	// signal.
	Skipped bool

	// Errors holds the per-record failures that were isolated and
	// skipped.
	Errors []error
}

// Merge folds another result into this one.
func (r *Result) Merge(other Result) {
	r.Moved += other.Moved
	r.Skipped = r.Skipped || other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Cycle runs both consolidation stages. The intermediate stage runs
// first so a record arriving from the recent tier is not promoted twice
// in the same cycle.
func (e *Engine) Cycle(ctx context.Context, sig strain.Signal) Result {
	var res Result
	res.Merge(e.Consolidate(ctx, e.intermediate, e.durable, sig))
	res.Merge(e.Consolidate(ctx, e.recent, e.intermediate, sig))
	return res
}

// Consolidate promotes qualifying records from source to target. When the
// source is the recent tier, classification may redirect individual
// records past the target straight into the durable tier.
func (e *Engine) Consolidate(ctx context.Context, source, target *tier.Tier, sig strain.Signal) Result {
	sig = sig.Clamped()
	if sig.Critical() {
		e.logger.Warn("consolidation skipped: strain critical",
			"source", source.Level().String())
		return Result{Skipped: true}
	}

	// Lock the source and every possible destination in ascending level
	// order; consolidation and decay on the same tier never overlap.
	locked := lockOrder(source, target, e.durable)
	for _, t := range locked {
		t.LockMaintenance()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].UnlockMaintenance()
		}
	}()

	threshold := source.Config().BaseActivation * sig.Factor
	if threshold > 1 {
		threshold = 1
	}

	candidates, err := e.candidates(ctx, source, threshold)
	if err != nil {
		return Result{Errors: []error{fmt.Errorf("fetch candidates from %s: %w", source.Level(), err)}}
	}

	var res Result
	for _, r := range candidates {
		dest := e.destination(source, target, r)
		if err := e.move(ctx, source, dest, r); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("move %s to %s: %w", r.ID, dest.Level(), err))
			e.logger.Warn("consolidation: record move failed",
				"id", r.ID,
				"source", source.Level().String(),
				"dest", dest.Level().String(),
				"error", err)
			continue
		}
		res.Moved++
	}

	if res.Moved > 0 || len(res.Errors) > 0 {
		e.logger.Info("consolidation pass finished",
			"source", source.Level().String(),
			"moved", res.Moved,
			"errors", len(res.Errors),
			"threshold", threshold)
	}
	e.metrics.Consolidated(ctx, int64(res.Moved), source.Level().String())
	return res
}

// candidates returns active records at or above the activation threshold
// that pass the source tier's promotion rule, ordered by importance
// descending so the most valuable records move first.
func (e *Engine) candidates(ctx context.Context, source *tier.Tier, threshold float64) ([]*record.Record, error) {
	recs, err := source.Backend().All(ctx)
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, r := range recs {
		if r.Status != record.StatusActive {
			continue
		}
		if r.Strength < threshold {
			continue
		}
		if !source.Promotes(r) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Importance > out[j].Importance
	})
	return out, nil
}

// destination classifies where a record should land. Promotions out of
// the intermediate tier always go durable; out of the recent tier the
// classification policy decides between episodic (intermediate) and
// semantic (durable).
func (e *Engine) destination(source, target *tier.Tier, r *record.Record) *tier.Tier {
	if source.Level() != tier.Recent {
		return target
	}
	if e.policy.Classify(r) == policy.DestSemantic {
		return e.durable
	}
	return target
}

// move writes the record to the destination and removes the source copy
// only after the write succeeds. A record rejected by a vector-only
// destination for lacking an embedding falls back to the intermediate
// tier rather than being dropped.
func (e *Engine) move(ctx context.Context, source, dest *tier.Tier, r *record.Record) error {
	moved := r.Clone()
	moved.Clamp()

	err := dest.Insert(ctx, moved)
	if errors.Is(err, backend.ErrEmbeddingRequired) && dest != e.intermediate && source != e.intermediate {
		dest = e.intermediate
		err = dest.Insert(ctx, moved)
	}
	if err != nil {
		return err
	}

	if err := source.Backend().Delete(ctx, r.ID); err != nil && !errors.Is(err, backend.ErrNotFound) {
		// The record now exists in both tiers; search dedup hides the
		// duplicate and the next cycle retries the delete.
		return fmt.Errorf("source delete after move: %w", err)
	}
	return nil
}

// lockOrder returns the distinct tiers to lock, ascending by level.
func lockOrder(tiers ...*tier.Tier) []*tier.Tier {
	seen := make(map[*tier.Tier]bool, len(tiers))
	var out []*tier.Tier
	for _, t := range tiers {
		if t == nil || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Level() < out[j].Level()
	})
	return out
}

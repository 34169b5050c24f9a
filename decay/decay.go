// Package decay weakens stored records over time and evicts those that
// fall below the tier's floor.
//
// Each pass reduces every unpinned active record's retention strength in
// proportion to elapsed time and the tier's decay rate, modulated by the
// external strain signal. Records whose strength drops below the floor are
// evicted. Pinned records are immune to both effects.
package decay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/strain"
	"github.com/mnemo-ai/mnemo/telemetry"
	"github.com/mnemo-ai/mnemo/tier"
)

// Options configures the decay engine.
type Options struct {
	// Logger receives per-pass summaries and per-record failures. Nil uses
	// slog.Default().
	Logger *slog.Logger

	// Metrics receives decay and eviction counters. Nil disables
	// recording.
	Metrics *telemetry.Metrics
}

// Engine applies time-based forgetting to tiers.
type Engine struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a decay engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, metrics: opts.Metrics}
}

// Result reports one decay pass over one tier.
type Result struct {
	// Decayed is the number of records whose strength was reduced.
	Decayed int

	// Evicted is the number of records removed for falling below the
	// floor.
	Evicted int

	// Errors holds per-record failures that were isolated and skipped.
	Errors []error
}

// Decay runs one pass over the tier. elapsed is the wall time since the
// tier's previous pass; the strain signal scales the decay rate. A
// critical signal caps the rate at the tier's minimum so forgetting slows
// to a crawl but the floor still holds.
func (e *Engine) Decay(ctx context.Context, t *tier.Tier, elapsed time.Duration, sig strain.Signal) Result {
	cfg := t.Config()
	if cfg.DecayRate <= 0 || elapsed <= 0 {
		return Result{}
	}

	sig = sig.Clamped()
	rate := cfg.DecayRate * sig.Factor
	if sig.Critical() {
		rate = cfg.MinDecayRate
		if rate <= 0 {
			return Result{}
		}
	}

	t.LockMaintenance()
	defer t.UnlockMaintenance()

	recs, err := t.Backend().All(ctx)
	if err != nil {
		return Result{Errors: []error{fmt.Errorf("list %s tier: %w", t.Level(), err)}}
	}

	loss := rate * elapsed.Seconds()

	var res Result
	for _, r := range recs {
		if r.Status != record.StatusActive || r.Pinned() {
			continue
		}

		r.Weaken(loss)
		if r.Strength < cfg.FloorStrength {
			if err := t.Backend().Delete(ctx, r.ID); err != nil && !errors.Is(err, backend.ErrNotFound) {
				res.Errors = append(res.Errors, fmt.Errorf("evict %s: %w", r.ID, err))
				continue
			}
			res.Evicted++
			continue
		}

		if err := t.Backend().Update(ctx, r); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("weaken %s: %w", r.ID, err))
			continue
		}
		res.Decayed++
	}

	if res.Decayed > 0 || res.Evicted > 0 || len(res.Errors) > 0 {
		e.logger.Info("decay pass finished",
			"tier", t.Level().String(),
			"decayed", res.Decayed,
			"evicted", res.Evicted,
			"errors", len(res.Errors),
			"rate", rate)
	}
	e.metrics.Decayed(ctx, int64(res.Decayed), t.Level().String())
	e.metrics.Evicted(ctx, int64(res.Evicted), t.Level().String())
	return res
}

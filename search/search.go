// Package search fans a query out across the tier hierarchy and merges
// the results into one ranked list.
//
// All tiers are queried concurrently. Duplicate IDs, which can exist
// transiently while a consolidation move is mid-flight, are collapsed so
// the copy from the lowest tier wins. A tier failing does not fail the
// search; its results are simply absent.
package search

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/telemetry"
	"github.com/mnemo-ai/mnemo/tier"
)

// Options configures the request beyond the per-backend query.
type Options struct {
	// MinRelevance drops matches scoring below it. Zero keeps everything.
	MinRelevance float64

	// Limit caps the merged result count. Zero means no cap.
	Limit int
}

// Result is one merged match annotated with its source tier.
type Result struct {
	backend.Match

	// Tier is the hierarchy level the match came from.
	Tier tier.Level
}

// Router dispatches queries across the tiers.
type Router struct {
	tiers   []*tier.Tier
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRouter creates a router over the given tiers. Order matters: on
// duplicate IDs the earliest tier's copy wins, so pass tiers in ascending
// level order.
func NewRouter(tiers []*tier.Tier, logger *slog.Logger, metrics *telemetry.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{tiers: tiers, logger: logger, metrics: metrics}
}

// Search queries every tier concurrently and merges the results: dedup by
// record ID with the lowest tier winning, lexical score fallback for
// backends that do not rank, MinRelevance filter, then a descending sort
// by score truncated to the limit.
func (r *Router) Search(ctx context.Context, q backend.Query, opts Options) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.metrics.SearchDispatched(ctx, int64(len(r.tiers)))

	// Fan out. Group functions never return an error: a failing tier is
	// logged and skipped, not allowed to cancel its siblings.
	perTier := make([][]backend.Match, len(r.tiers))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range r.tiers {
		g.Go(func() error {
			matches, err := t.Backend().Search(gctx, q)
			if err != nil {
				r.logger.Warn("search: tier failed",
					"tier", t.Level().String(),
					"error", err)
				r.metrics.SearchTierFailed(gctx, t.Level().String())
				return nil
			}
			perTier[i] = matches
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var merged []Result
	for i, matches := range perTier {
		level := r.tiers[i].Level()
		for _, m := range matches {
			if m.Record == nil || seen[m.Record.ID] {
				continue
			}
			seen[m.Record.ID] = true

			if m.Score == 0 {
				m.Score = backend.LexicalScore(q.Text, m.Record)
			}
			if opts.MinRelevance > 0 && m.Score < opts.MinRelevance {
				continue
			}
			merged = append(merged, Result{Match: m, Tier: level})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if opts.Limit > 0 && len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	return merged, nil
}

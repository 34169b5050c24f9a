// Package telemetry exposes the engine's OpenTelemetry instruments.
//
// The engine records counters against the otel metric API only; it never
// installs an SDK. Hosts that configure a global meter provider get the
// measurements exported, everyone else gets the API's no-op path.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mnemo-ai/mnemo"

// Metrics bundles the engine's counters.
type Metrics struct {
	consolidations metric.Int64Counter
	decayed        metric.Int64Counter
	evictions      metric.Int64Counter
	searches       metric.Int64Counter
	searchErrors   metric.Int64Counter
}

// New builds the instrument set against the given meter. A nil meter uses
// the globally registered provider.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	m := &Metrics{}
	var err error

	if m.consolidations, err = meter.Int64Counter("mnemo.consolidations",
		metric.WithDescription("Records moved between tiers by consolidation")); err != nil {
		return nil, err
	}
	if m.decayed, err = meter.Int64Counter("mnemo.decayed",
		metric.WithDescription("Records whose strength was reduced by decay")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("mnemo.evictions",
		metric.WithDescription("Records evicted by decay or capacity pressure")); err != nil {
		return nil, err
	}
	if m.searches, err = meter.Int64Counter("mnemo.searches",
		metric.WithDescription("Search fan-outs dispatched across tiers")); err != nil {
		return nil, err
	}
	if m.searchErrors, err = meter.Int64Counter("mnemo.search_errors",
		metric.WithDescription("Per-tier backend failures during search fan-out")); err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns instruments bound to the global meter provider,
// panicking on instrument-registration failure. Registration against the
// API meter cannot fail in practice.
func Default() *Metrics {
	m, err := New(nil)
	if err != nil {
		panic(err)
	}
	return m
}

// Consolidated records n records moved out of the named tier.
func (m *Metrics) Consolidated(ctx context.Context, n int64, tierName string) {
	if m == nil {
		return
	}
	m.consolidations.Add(ctx, n, metric.WithAttributes(attribute.String("tier", tierName)))
}

// Decayed records n records weakened in the named tier.
func (m *Metrics) Decayed(ctx context.Context, n int64, tierName string) {
	if m == nil {
		return
	}
	m.decayed.Add(ctx, n, metric.WithAttributes(attribute.String("tier", tierName)))
}

// Evicted records n records removed from the named tier.
func (m *Metrics) Evicted(ctx context.Context, n int64, tierName string) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, n, metric.WithAttributes(attribute.String("tier", tierName)))
}

// SearchDispatched records one fan-out across n tiers.
func (m *Metrics) SearchDispatched(ctx context.Context, tiers int64) {
	if m == nil {
		return
	}
	m.searches.Add(ctx, 1, metric.WithAttributes(attribute.Int64("tiers", tiers)))
}

// SearchTierFailed records one tier failing during a fan-out.
func (m *Metrics) SearchTierFailed(ctx context.Context, tierName string) {
	if m == nil {
		return
	}
	m.searchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tierName)))
}

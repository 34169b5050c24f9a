package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/backend/inmem"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/search"
	"github.com/mnemo-ai/mnemo/strain"
	"github.com/mnemo-ai/mnemo/tier"
)

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()

	recent := tier.New(tier.Recent, inmem.New(), tier.Config{Capacity: 50, BaseActivation: 0.5})
	intermediate := tier.New(tier.Intermediate, inmem.New(), tier.Config{
		DecayRate:     0.001,
		FloorStrength: 0.05,
		Promote:       func(r *record.Record) bool { return r.AccessCount >= 2 },
	})
	durable := tier.New(tier.Durable, inmem.New(), tier.Config{DecayRate: 0.0001})

	eng, err := New(recent, intermediate, durable, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

func TestNewRequiresTiers(t *testing.T) {
	_, err := New(nil, nil, nil, Options{})
	require.Error(t, err)
}

func TestAddAndGet(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "standup notes"}, AddOptions{Tags: []string{"session"}})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	got, err := eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, int64(1), got.AccessCount, "get marks the access")

	_, err = eng.Get(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestGetSearchesAllTiers(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r := record.New(map[string]any{"fact": "gophers burrow"})
	require.NoError(t, eng.durable.Insert(ctx, r))

	got, err := eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	_, err := eng.Add(ctx, map[string]any{"text": "quarterly budget review"}, AddOptions{})
	require.NoError(t, err)

	results, err := eng.Search(ctx, backend.Query{Text: "budget"}, search.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tier.Recent, results[0].Tier)
}

func TestUpdateContextAndWindow(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "incident timeline for the outage"}, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.UpdateContext(ctx, "incident outage", nil))

	// The refresh runs in the background; poll until it lands.
	require.Eventually(t, func() bool {
		out, err := eng.ContextWindow(ctx, 0, 0)
		return err == nil && out != ""
	}, time.Second, 10*time.Millisecond)

	// Rendering the window marked the access.
	got, err := eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.AccessCount, int64(2))
}

func TestConsolidateNow(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "retro summary"}, AddOptions{Tags: []string{"session"}})
	require.NoError(t, err)

	res, err := eng.ConsolidateNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Moved)

	ok, err := eng.intermediate.Backend().Exists(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsolidateNowPreservesContent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "page the oncall"}, AddOptions{
		Importance: 0.9,
		Tags:       []string{"urgent"},
	})
	require.NoError(t, err)

	res, err := eng.ConsolidateNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Moved)

	ok, err := eng.recent.Backend().Exists(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "consolidated record must leave the recent tier")

	moved, err := eng.intermediate.Backend().Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "page the oncall"}, moved.Content)
	assert.Equal(t, 0.9, moved.Importance)
}

func TestConsolidateNowRespectsStrain(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{
		Strain: strain.Static{Signal: strain.Signal{State: strain.StateCritical, Factor: 1.0}},
	})

	_, err := eng.Add(ctx, map[string]any{"text": "note"}, AddOptions{})
	require.NoError(t, err)

	res, err := eng.ConsolidateNow(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestPinAndDelete(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "api key rotation procedure"}, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.Pin(ctx, r.ID))
	got, err := eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.Pinned())

	require.NoError(t, eng.Unpin(ctx, r.ID, 0.4))
	got, err = eng.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, got.Pinned())

	require.NoError(t, eng.Delete(ctx, r.ID))
	_, err = eng.Get(ctx, r.ID)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestLinkAndRelated(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	a, err := eng.Add(ctx, map[string]any{"text": "service A overview"}, AddOptions{})
	require.NoError(t, err)
	b, err := eng.Add(ctx, map[string]any{"text": "service B overview"}, AddOptions{})
	require.NoError(t, err)
	c, err := eng.Add(ctx, map[string]any{"text": "service C overview"}, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.Link(ctx, a.ID, b.ID, "depends_on", 0.3))
	require.NoError(t, eng.Link(ctx, a.ID, c.ID, "depends_on", 0.9))

	related, err := eng.Related(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, c.ID, related[0].ID, "strongest edge first")

	err = eng.Link(ctx, a.ID, "missing", "depends_on", 0.5)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestRelatedSkipsDanglingEdges(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	a, err := eng.Add(ctx, map[string]any{"text": "root"}, AddOptions{})
	require.NoError(t, err)
	b, err := eng.Add(ctx, map[string]any{"text": "leaf"}, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.Link(ctx, a.ID, b.ID, "see_also", 0.5))
	require.NoError(t, eng.Delete(ctx, b.ID))

	related, err := eng.Related(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	_, err := eng.Add(ctx, map[string]any{"text": "one"}, AddOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.UpdateContext(ctx, "anything", nil))

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Tiers["recent"].Records)
	assert.Contains(t, st.Tiers, "intermediate")
	assert.Contains(t, st.Tiers, "durable")
	assert.Equal(t, "anything", st.Context)
	assert.Zero(t, st.Maintenance.Consolidated)
}

func TestStatsCountsMaintenance(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	_, err := eng.Add(ctx, map[string]any{"text": "retro"}, AddOptions{Tags: []string{"session"}})
	require.NoError(t, err)

	_, err = eng.ConsolidateNow(ctx)
	require.NoError(t, err)

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Maintenance.Consolidated)
}

func TestStartAndShutdown(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{
		ConsolidateInterval: 10 * time.Millisecond,
		DecayInterval:       10 * time.Millisecond,
		RefreshInterval:     10 * time.Millisecond,
	})

	require.NoError(t, eng.Start())
	assert.ErrorIs(t, eng.Start(), ErrStarted)

	r, err := eng.Add(ctx, map[string]any{"text": "scheduled note"}, AddOptions{Tags: []string{"session"}})
	require.NoError(t, err)

	// The consolidation loop moves the record out of the recent tier.
	require.Eventually(t, func() bool {
		ok, err := eng.intermediate.Backend().Exists(ctx, r.ID)
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Shutdown(ctx))

	_, err = eng.Add(ctx, map[string]any{"text": "too late"}, AddOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, eng.Start(), ErrClosed)
	assert.NoError(t, eng.Shutdown(ctx), "shutdown is idempotent")
}

func TestShutdownWithoutStart(t *testing.T) {
	eng := newEngine(t, Options{})
	require.NoError(t, eng.Shutdown(context.Background()))
}

func TestAddOptionsHonored(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "release checklist"}, AddOptions{
		Importance: 0.9,
		Tags:       []string{"ops"},
		Embedding:  []float32{0.1, 0.2, 0.3},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.9, r.Importance)
	assert.Equal(t, []string{"ops"}, r.Tags)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, r.Embedding)

	stored, err := eng.recent.Backend().Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Importance)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, stored.Embedding)
}

func TestAddIntoChosenTier(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r, err := eng.Add(ctx, map[string]any{"text": "stable fact"}, AddOptions{Tier: tier.Durable})
	require.NoError(t, err)

	ok, err := eng.recent.Backend().Exists(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = eng.durable.Backend().Exists(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetFromScopesToTier(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, Options{})

	r := record.New(map[string]any{"fact": "scoped lookup"})
	require.NoError(t, eng.durable.Insert(ctx, r))

	_, err := eng.GetFrom(ctx, tier.Recent, r.ID)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	got, err := eng.GetFrom(ctx, tier.Durable, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestStatsCountsCapacityEvictions(t *testing.T) {
	ctx := context.Background()

	recent := tier.New(tier.Recent, inmem.New(), tier.Config{Capacity: 2})
	intermediate := tier.New(tier.Intermediate, inmem.New(), tier.Config{})
	durable := tier.New(tier.Durable, inmem.New(), tier.Config{})

	eng, err := New(recent, intermediate, durable, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	for i := 0; i < 3; i++ {
		_, err := eng.Add(ctx, map[string]any{"i": i}, AddOptions{})
		require.NoError(t, err)
	}

	st, err := eng.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Maintenance.Evicted)
}

// vectorOnly refuses records without embeddings, the way a pure vector
// store does.
type vectorOnly struct {
	backend.Backend
}

func (v vectorOnly) Create(ctx context.Context, r *record.Record) (string, error) {
	if len(r.Embedding) == 0 {
		return "", backend.ErrEmbeddingRequired
	}
	return v.Backend.Create(ctx, r)
}

func TestConsolidationReachesVectorTier(t *testing.T) {
	ctx := context.Background()

	recent := tier.New(tier.Recent, inmem.New(), tier.Config{BaseActivation: 0.5})
	intermediate := tier.New(tier.Intermediate, inmem.New(), tier.Config{BaseActivation: 0.5})
	durable := tier.New(tier.Durable, vectorOnly{inmem.New()}, tier.Config{})

	eng, err := New(recent, intermediate, durable, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	r, err := eng.Add(ctx, map[string]any{"fact": "gophers burrow"}, AddOptions{
		Tags:      []string{"fact"},
		Embedding: []float32{0.4, 0.1},
	})
	require.NoError(t, err)

	// The fact tag classifies the record as semantic, so consolidation
	// routes it straight to the durable tier.
	_, err = eng.ConsolidateNow(ctx)
	require.NoError(t, err)

	moved, err := eng.durable.Backend().Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.4, 0.1}, moved.Embedding)

	// A semantic record without an embedding settles in the intermediate
	// tier instead, and later cycles leave it there.
	plain, err := eng.Add(ctx, map[string]any{"fact": "no vector"}, AddOptions{Tags: []string{"fact"}})
	require.NoError(t, err)
	_, err = eng.ConsolidateNow(ctx)
	require.NoError(t, err)
	_, err = eng.ConsolidateNow(ctx)
	require.NoError(t, err)

	ok, err := eng.intermediate.Backend().Exists(ctx, plain.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

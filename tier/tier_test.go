package tier

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/backend/inmem"
	"github.com/mnemo-ai/mnemo/record"
)

func newTier(t *testing.T, cfg Config) *Tier {
	t.Helper()

	tr := New(Recent, inmem.New(), cfg)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newRecord(t *testing.T, strength float64) *record.Record {
	t.Helper()
	r := record.New(map[string]any{"n": strength})
	r.Strength = strength
	return r
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "recent", Recent.String())
	assert.Equal(t, "intermediate", Intermediate.String())
	assert.Equal(t, "durable", Durable.String())
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []Level{Recent, Intermediate, Durable} {
		got, err := ParseLevel(lvl.String())
		require.NoError(t, err)
		assert.Equal(t, lvl, got)
	}

	_, err := ParseLevel("eternal")
	require.Error(t, err)
}

func TestIsFull(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{Capacity: 2})

	full, err := tr.IsFull(ctx)
	require.NoError(t, err)
	assert.False(t, full)

	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Insert(ctx, newRecord(t, 0.5)))
	}

	full, err = tr.IsFull(ctx)
	require.NoError(t, err)
	assert.True(t, full)

	// Unbounded tier never reports full.
	unbounded := newTier(t, Config{})
	full, err = unbounded.IsFull(ctx)
	require.NoError(t, err)
	assert.False(t, full)
}

func TestEvictionCandidate(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{})

	weak := newRecord(t, 0.2)
	strong := newRecord(t, 0.9)
	pinned := newRecord(t, 0.1)
	pinned.SetImportance(1.0)

	for _, r := range []*record.Record{strong, weak, pinned} {
		require.NoError(t, tr.Insert(ctx, r))
	}

	candidate, err := tr.EvictionCandidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, weak.ID, candidate.ID, "pinned record must never be the candidate")
}

func TestEvictionCandidateTieBreak(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{})

	older := newRecord(t, 0.5)
	older.LastAccessedAt = time.Now().Add(-time.Hour)
	newer := newRecord(t, 0.5)

	require.NoError(t, tr.Insert(ctx, newer))
	require.NoError(t, tr.Insert(ctx, older))

	candidate, err := tr.EvictionCandidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, older.ID, candidate.ID)
}

func TestEvictionCandidateEmpty(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{})

	candidate, err := tr.EvictionCandidate(ctx)
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestInsertHoldsCapacityInvariant(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{Capacity: 5})

	for i := 0; i < 25; i++ {
		require.NoError(t, tr.Insert(ctx, newRecord(t, float64(i)/25)))

		n, err := tr.Backend().Count(ctx, backend.Filter{Status: record.StatusActive})
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 5, "capacity exceeded after insert %d", i)
	}
}

func TestInsertEvictsWeakest(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{Capacity: 2})

	weak := newRecord(t, 0.1)
	strong := newRecord(t, 0.9)
	require.NoError(t, tr.Insert(ctx, weak))
	require.NoError(t, tr.Insert(ctx, strong))

	incoming := newRecord(t, 0.5)
	require.NoError(t, tr.Insert(ctx, incoming))

	ok, err := tr.Backend().Exists(ctx, weak.ID)
	require.NoError(t, err)
	assert.False(t, ok, "weakest record should have been evicted")

	ok, err = tr.Backend().Exists(ctx, strong.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictionHook(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{Capacity: 2})

	var evicted []string
	tr.SetEvictionHook(func(r *record.Record) {
		evicted = append(evicted, r.ID)
	})

	weak := newRecord(t, 0.1)
	require.NoError(t, tr.Insert(ctx, weak))
	require.NoError(t, tr.Insert(ctx, newRecord(t, 0.9)))
	assert.Empty(t, evicted, "no eviction below capacity")

	require.NoError(t, tr.Insert(ctx, newRecord(t, 0.5)))
	assert.Equal(t, []string{weak.ID}, evicted)
}

func TestGetMarksAccess(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{})

	r := newRecord(t, 0.5)
	require.NoError(t, tr.Insert(ctx, r))

	got, err := tr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.InDelta(t, 0.6, got.Strength, 1e-9)

	// The bump is persisted.
	stored, err := tr.Backend().Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)

	_, err = tr.Get(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{})

	r := newRecord(t, 0.5)
	require.NoError(t, tr.Insert(ctx, r))
	require.NoError(t, tr.Touch(ctx, r.ID))

	stored, err := tr.Backend().Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)
}

func TestPromotes(t *testing.T) {
	important := func(r *record.Record) bool { return r.Importance >= 0.5 }
	tr := New(Recent, inmem.New(), Config{Promote: important})
	defer tr.Close()

	r := record.New(nil)
	assert.False(t, tr.Promotes(r))
	r.SetImportance(0.7)
	assert.True(t, tr.Promotes(r))

	// Nil rule promotes everything.
	open := New(Recent, inmem.New(), Config{})
	defer open.Close()
	assert.True(t, open.Promotes(record.New(nil)))
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	tr := newTier(t, Config{Capacity: 4})

	require.NoError(t, tr.Insert(ctx, newRecord(t, 0.5)))
	require.NoError(t, tr.Insert(ctx, newRecord(t, 0.5)))

	st, err := tr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, "recent", st.Details["level"])
	assert.Equal(t, 4, st.Details["capacity"])
	assert.Equal(t, 0.5, st.Details["utilization"])
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTier(t, Config{})

	for i := 0; i < 3; i++ {
		r := record.New(map[string]any{"i": i})
		r.Summary = fmt.Sprintf("record %d", i)
		require.NoError(t, src.Insert(ctx, r))
	}

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))

	dst := newTier(t, Config{})
	n, err := dst.Import(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := dst.Backend().All(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

// setupStore creates a miniredis instance and returns a connected Store.
func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := New(Options{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		KeyPrefix:      "mnemo:test",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})

	return s, mr
}

func newRecord(t *testing.T, summary string, tags ...string) *record.Record {
	t.Helper()
	r := record.New(map[string]any{"text": summary})
	r.Summary = summary
	r.Tags = tags
	return r
}

func TestNew(t *testing.T) {
	t.Run("requires key prefix", func(t *testing.T) {
		mr := miniredis.RunT(t)
		defer mr.Close()

		_, err := New(Options{URL: fmt.Sprintf("redis://%s", mr.Addr())})
		require.Error(t, err)
	})

	t.Run("rejects bad URL", func(t *testing.T) {
		_, err := New(Options{URL: "not-a-url", KeyPrefix: "p"})
		require.Error(t, err)
	})
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	r := newRecord(t, "redis cached fact", "cache")
	r.SetImportance(0.4)

	id, err := s.Create(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, r.ID, id)

	_, err = s.Create(ctx, r)
	assert.ErrorIs(t, err, backend.ErrAlreadyExists)

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "redis cached fact", got.Summary)
	assert.Equal(t, []string{"cache"}, got.Tags)
	assert.Equal(t, 0.4, got.Importance)

	got.Summary = "updated fact"
	require.NoError(t, s.Update(ctx, got))

	again, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "updated fact", again.Summary)

	ok, err := s.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Read(ctx, id)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	missing := newRecord(t, "ghost")
	assert.ErrorIs(t, s.Update(ctx, missing), backend.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, missing.ID), backend.ErrNotFound)
}

func TestCreateIndexesRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	r := newRecord(t, "indexed on arrival")
	_, err := s.Create(ctx, r)
	require.NoError(t, err)

	// A created record is immediately visible through the ID index.
	recs, err := s.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, r.ID, recs[0].ID)

	// A duplicate create changes nothing: same count, same stored body.
	dup := newRecord(t, "impostor")
	dup.ID = r.ID
	_, err = s.Create(ctx, dup)
	assert.ErrorIs(t, err, backend.ErrAlreadyExists)

	n, err := s.Count(ctx, backend.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Read(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "indexed on arrival", got.Summary)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	_, err := s.Create(ctx, newRecord(t, "grafana dashboard broken", "monitoring"))
	require.NoError(t, err)
	_, err = s.Create(ctx, newRecord(t, "weekly grocery list"))
	require.NoError(t, err)

	matches, err := s.Search(ctx, backend.Query{Text: "grafana dashboard", Limit: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "grafana dashboard broken", matches[0].Record.Summary)
	assert.Equal(t, 1.0, matches[0].Score)

	matches, err = s.Search(ctx, backend.Query{Tags: []string{"monitoring"}})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	recs, err := s.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, newRecord(t, fmt.Sprintf("note %d", i)))
		require.NoError(t, err)
	}

	recs, err = s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	a := newRecord(t, "a")
	b := newRecord(t, "b")

	ids, err := s.BatchCreate(ctx, []*record.Record{a, b, a})
	var pe *backend.PartialError
	require.ErrorAs(t, err, &pe)
	assert.Len(t, ids, 2)
	assert.Equal(t, 1, pe.Len())

	deleted, err := s.BatchDelete(ctx, []string{a.ID, b.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestCountAndStats(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	pinned := newRecord(t, "pinned", "keep")
	pinned.SetImportance(1.0)
	_, err := s.Create(ctx, pinned)
	require.NoError(t, err)
	_, err = s.Create(ctx, newRecord(t, "plain"))
	require.NoError(t, err)

	n, err := s.Count(ctx, backend.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Count(ctx, backend.Filter{Tags: []string{"keep"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 1, st.Pinned)
	assert.Equal(t, "mnemo:test", st.Details["key_prefix"])
}

func TestUnavailableBackend(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)

	_, err := s.Create(ctx, newRecord(t, "before outage"))
	require.NoError(t, err)

	mr.Close()

	_, err = s.Read(ctx, "any-id")
	require.Error(t, err)
	assert.NotErrorIs(t, err, backend.ErrNotFound)
}

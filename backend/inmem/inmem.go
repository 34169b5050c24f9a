// Package inmem provides a mutex-guarded, in-process map backend.
//
// It holds no persisted state and is the default backend for the recent
// tier, where volatility is a feature: contents are lost on restart, which
// matches the tier's semantics.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

var _ backend.Backend = (*Store)(nil)

// Store is an in-memory backend. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record.Record
	closed  bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*record.Record),
	}
}

// Capabilities reports no vector search, no persistence, no relationships.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

// Create stores a new record.
func (s *Store) Create(ctx context.Context, r *record.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.Validate(); err != nil {
		return "", backend.Wrap("inmem.Create", backend.KindValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", backend.Wrap("inmem.Create", backend.KindUnavailable, backend.ErrClosed)
	}
	if _, ok := s.records[r.ID]; ok {
		return "", backend.Wrap("inmem.Create", backend.KindValidation, backend.ErrAlreadyExists)
	}

	s.records[r.ID] = r.Clone()
	return r.ID, nil
}

// Read returns a copy of the record with the given ID.
func (s *Store) Read(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, backend.Wrap("inmem.Read", backend.KindUnavailable, backend.ErrClosed)
	}
	r, ok := s.records[id]
	if !ok {
		return nil, backend.Wrap("inmem.Read", backend.KindNotFound, backend.ErrNotFound)
	}
	return r.Clone(), nil
}

// Update replaces the stored record, matched by ID.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return backend.Wrap("inmem.Update", backend.KindValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return backend.Wrap("inmem.Update", backend.KindUnavailable, backend.ErrClosed)
	}
	if _, ok := s.records[r.ID]; !ok {
		return backend.Wrap("inmem.Update", backend.KindNotFound, backend.ErrNotFound)
	}

	s.records[r.ID] = r.Clone()
	return nil
}

// Delete removes the record with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return backend.Wrap("inmem.Delete", backend.KindUnavailable, backend.ErrClosed)
	}
	if _, ok := s.records[id]; !ok {
		return backend.Wrap("inmem.Delete", backend.KindNotFound, backend.ErrNotFound)
	}

	delete(s.records, id)
	return nil
}

// Exists reports whether a record with the given ID is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[id]
	return ok, nil
}

// Search ranks records by lexical overlap with the query text.
func (s *Store) Search(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches := make([]backend.Match, 0)
	for _, r := range s.records {
		if !backend.MatchesQuery(r, q) {
			continue
		}
		score := backend.LexicalScore(q.Text, r)
		if q.Text != "" && score == 0 {
			continue
		}
		matches = append(matches, backend.Match{Record: r.Clone(), Score: score})
	}
	s.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.LastAccessedAt.After(matches[j].Record.LastAccessedAt)
	})

	return paginate(matches, q.Limit, q.Offset), nil
}

// All returns copies of every stored record.
func (s *Store) All(ctx context.Context) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*record.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out, nil
}

// BatchCreate stores multiple records with per-item failure isolation.
func (s *Store) BatchCreate(ctx context.Context, recs []*record.Record) ([]string, error) {
	var (
		ids    []string
		failed []backend.ItemError
	)
	for _, r := range recs {
		id, err := s.Create(ctx, r)
		if err != nil {
			failed = append(failed, backend.ItemError{ID: r.ID, Err: err})
			continue
		}
		ids = append(ids, id)
	}
	if len(failed) > 0 {
		return ids, &backend.PartialError{Op: "inmem.BatchCreate", Items: failed}
	}
	return ids, nil
}

// BatchDelete removes multiple records, ignoring missing IDs.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		err := s.Delete(ctx, id)
		if err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f backend.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if backend.MatchesFilter(r, f) {
			n++
		}
	}
	return n, nil
}

// Stats returns record counts.
func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	if err := ctx.Err(); err != nil {
		return backend.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := backend.Stats{Records: len(s.records)}
	for _, r := range s.records {
		if r.Pinned() {
			st.Pinned++
		}
	}
	return st, nil
}

// Close discards all records.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}

func paginate(matches []backend.Match, limit, offset int) []backend.Match {
	if offset >= len(matches) {
		return nil
	}
	matches = matches[offset:]
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

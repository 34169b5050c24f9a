// Package chromem provides a vector-similarity backend on chromem-go, a
// pure-Go embedded vector database.
//
// chromem ranks by cosine similarity but does not support enumerating its
// documents, so the store pairs the similarity index with a side metadata
// store: an in-process map that is the authoritative copy of each record.
// With a persistence directory configured, the index persists through
// chromem's own on-disk format and the side store as a JSON file next to
// it.
//
// Records without an embedding are rejected before any write.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

var _ backend.Backend = (*Store)(nil)

// Options configures the vector store.
type Options struct {
	// Path is the persistence directory. Empty means fully in-memory.
	Path string

	// Collection names the chromem collection. Defaults to "memories".
	Collection string
}

// Store is a chromem-backed vector record store.
type Store struct {
	db  *chromemgo.DB
	col *chromemgo.Collection

	mu       sync.RWMutex
	records  map[string]*record.Record
	metaPath string
}

// New creates a vector store. With a persistence path, previously stored
// records are reloaded from the side metadata file.
func New(opts Options) (*Store, error) {
	if opts.Collection == "" {
		opts.Collection = "memories"
	}

	var (
		db  *chromemgo.DB
		err error
	)
	if opts.Path != "" {
		db, err = chromemgo.NewPersistentDB(filepath.Join(opts.Path, "index"), false)
		if err != nil {
			return nil, backend.Wrap("chromem.New", backend.KindUnavailable, err)
		}
	} else {
		db = chromemgo.NewDB()
	}

	// No embedding func: callers always supply embeddings.
	col, err := db.GetOrCreateCollection(opts.Collection, nil, nil)
	if err != nil {
		return nil, backend.Wrap("chromem.New", backend.KindInternal, err)
	}

	s := &Store{
		db:      db,
		col:     col,
		records: make(map[string]*record.Record),
	}
	if opts.Path != "" {
		s.metaPath = filepath.Join(opts.Path, "records.json")
		if err := s.loadMeta(); err != nil {
			return nil, backend.Wrap("chromem.New", backend.KindInternal, err)
		}
	}
	return s, nil
}

// Capabilities reports vector search with relationship support; the store
// is persistent only when a path was configured.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		VectorSearch:  true,
		Persistent:    s.metaPath != "",
		Relationships: true,
	}
}

// Create stores a new record and indexes its embedding.
func (s *Store) Create(ctx context.Context, r *record.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", backend.Wrap("chromem.Create", backend.KindValidation, err)
	}
	if len(r.Embedding) == 0 {
		return "", backend.Wrap("chromem.Create", backend.KindValidation, backend.ErrEmbeddingRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; ok {
		return "", backend.Wrap("chromem.Create", backend.KindValidation, backend.ErrAlreadyExists)
	}
	if err := s.index(ctx, r); err != nil {
		return "", err
	}

	s.records[r.ID] = r.Clone()
	if err := s.saveMeta(); err != nil {
		return "", err
	}
	return r.ID, nil
}

// Read returns the record with the given ID from the side store.
func (s *Store) Read(ctx context.Context, id string) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, backend.Wrap("chromem.Read", backend.KindNotFound, backend.ErrNotFound)
	}
	return r.Clone(), nil
}

// Update replaces the stored record and re-indexes its embedding.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return backend.Wrap("chromem.Update", backend.KindValidation, err)
	}
	if len(r.Embedding) == 0 {
		return backend.Wrap("chromem.Update", backend.KindValidation, backend.ErrEmbeddingRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; !ok {
		return backend.Wrap("chromem.Update", backend.KindNotFound, backend.ErrNotFound)
	}
	if err := s.index(ctx, r); err != nil {
		return err
	}

	s.records[r.ID] = r.Clone()
	return s.saveMeta()
}

// Delete removes the record from both the index and the side store.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return backend.Wrap("chromem.Delete", backend.KindNotFound, backend.ErrNotFound)
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return backend.Wrap("chromem.Delete", backend.KindInternal, err)
	}

	delete(s.records, id)
	return s.saveMeta()
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

// Search ranks by embedding similarity when the query carries a vector,
// falling back to lexical overlap otherwise. Tag and status filters apply
// in either mode.
func (s *Store) Search(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	if len(q.Embedding) > 0 {
		return s.vectorSearch(ctx, q)
	}
	return s.lexicalSearch(ctx, q)
}

func (s *Store) vectorSearch(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	s.mu.RLock()
	total := len(s.records)
	s.mu.RUnlock()

	if total == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection; ask for extra
	// headroom so post-filtering can still fill the limit.
	n := q.Limit + q.Offset
	if n <= 0 {
		n = 10
	}
	n *= 2
	if n > total {
		n = total
	}

	results, err := s.col.QueryEmbedding(ctx, q.Embedding, n, nil, nil)
	if err != nil {
		return nil, backend.Wrap("chromem.Search", backend.KindInternal, err)
	}

	s.mu.RLock()
	var matches []backend.Match
	for _, res := range results {
		r, ok := s.records[res.ID]
		if !ok || !backend.MatchesQuery(r, q) {
			continue
		}
		matches = append(matches, backend.Match{Record: r.Clone(), Score: float64(res.Similarity)})
	}
	s.mu.RUnlock()

	return paginate(matches, q.Limit, q.Offset), nil
}

func (s *Store) lexicalSearch(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var matches []backend.Match
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
		return matches[i].Score > matches[j].Score
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
		return ids, &backend.PartialError{Op: "chromem.BatchCreate", Items: failed}
	}
	return ids, nil
}

// BatchDelete removes multiple records, ignoring missing IDs.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err == nil {
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

// Stats returns record counts plus index diagnostics.
func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	if err := ctx.Err(); err != nil {
		return backend.Stats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := backend.Stats{
		Records: len(s.records),
		Details: map[string]any{"indexed": s.col.Count()},
	}
	for _, r := range s.records {
		if r.Pinned() {
			st.Pinned++
		}
	}
	return st, nil
}

// Close flushes the side metadata store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveMeta()
}

// index upserts the record's document. Caller holds the write lock.
func (s *Store) index(ctx context.Context, r *record.Record) error {
	doc := chromemgo.Document{
		ID:        r.ID,
		Content:   backend.SearchableText(r),
		Embedding: r.Embedding,
		Metadata:  map[string]string{"status": string(r.Status)},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return backend.Wrap("chromem.index", backend.KindInternal, err)
	}
	return nil
}

// saveMeta writes the side store. Caller holds the write lock. A no-op
// without a persistence path.
func (s *Store) saveMeta() error {
	if s.metaPath == "" {
		return nil
	}

	data, err := json.Marshal(s.records)
	if err != nil {
		return backend.Wrap("chromem.saveMeta", backend.KindInternal, err)
	}

	tmp := s.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return backend.Wrap("chromem.saveMeta", backend.KindUnavailable, err)
	}
	if err := os.Rename(tmp, s.metaPath); err != nil {
		return backend.Wrap("chromem.saveMeta", backend.KindUnavailable, err)
	}
	return nil
}

func (s *Store) loadMeta() error {
	data, err := os.ReadFile(s.metaPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read side store: %w", err)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return fmt.Errorf("decode side store: %w", err)
	}
	for _, r := range s.records {
		r.Clamp()
	}
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

// Package redisstore provides a remote key-value backend on Redis.
//
// Records persist as JSON values under a tier-scoped key prefix, with a
// companion set holding the tier's record IDs for enumeration. Lexical
// ranking happens client-side; Redis only does the storage.
package redisstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

var _ backend.Backend = (*Store)(nil)

// Options configures the Redis connection and key namespace.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// KeyPrefix scopes all keys for this tier (e.g., "mnemo:intermediate").
	// Required so multiple tiers can share one Redis instance.
	KeyPrefix string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations.
	WriteTimeout time.Duration
}

// Store is a Redis-backed record store.
type Store struct {
	client *redis.Client
	prefix string
}

// New creates a Redis store with the given options and verifies
// connectivity with a ping.
func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.KeyPrefix == "" {
		return nil, fmt.Errorf("redisstore: key prefix is required")
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse URL: %w", err)
	}

	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, backend.Wrap("redis.New", backend.KindUnavailable, err)
	}

	return &Store{client: client, prefix: opts.KeyPrefix}, nil
}

// Capabilities reports persistent key-value storage with relationship
// support (edges travel inside the record JSON).
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{Persistent: true, Relationships: true}
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":rec:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":ids"
}

// Create stores a new record with SET NX so an existing ID is rejected.
// The record write and the index write travel in one MULTI/EXEC, so a
// stored record is never missing from the ID index. On a duplicate ID the
// SADD is a no-op: the member is already indexed.
func (s *Store) Create(ctx context.Context, r *record.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", backend.Wrap("redis.Create", backend.KindValidation, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return "", backend.Wrap("redis.Create", backend.KindValidation, err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		created = p.SetNX(ctx, s.recordKey(r.ID), data, 0)
		p.SAdd(ctx, s.indexKey(), r.ID)
		return nil
	})
	if err != nil {
		return "", backend.Wrap("redis.Create", backend.KindUnavailable, err)
	}
	if !created.Val() {
		return "", backend.Wrap("redis.Create", backend.KindValidation, backend.ErrAlreadyExists)
	}
	return r.ID, nil
}

// Read returns the record with the given ID.
func (s *Store) Read(ctx context.Context, id string) (*record.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, backend.Wrap("redis.Read", backend.KindNotFound, backend.ErrNotFound)
	}
	if err != nil {
		return nil, backend.Wrap("redis.Read", backend.KindUnavailable, err)
	}
	return decode(data)
}

// Update replaces the stored record with SET XX so a missing ID is
// reported as not found.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return backend.Wrap("redis.Update", backend.KindValidation, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return backend.Wrap("redis.Update", backend.KindValidation, err)
	}

	ok, err := s.client.SetXX(ctx, s.recordKey(r.ID), data, 0).Result()
	if err != nil {
		return backend.Wrap("redis.Update", backend.KindUnavailable, err)
	}
	if !ok {
		return backend.Wrap("redis.Update", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Delete removes the record with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.recordKey(id)).Result()
	if err != nil {
		return backend.Wrap("redis.Delete", backend.KindUnavailable, err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
		return backend.Wrap("redis.Delete", backend.KindUnavailable, err)
	}
	if n == 0 {
		return backend.Wrap("redis.Delete", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Exists reports whether a record with the given ID is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.recordKey(id)).Result()
	if err != nil {
		return false, backend.Wrap("redis.Exists", backend.KindUnavailable, err)
	}
	return n > 0, nil
}

// Search loads the tier's records and ranks them client-side with the
// lexical scorer.
func (s *Store) Search(ctx context.Context, q backend.Query) ([]backend.Match, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	var matches []backend.Match
	for _, r := range recs {
		if !backend.MatchesQuery(r, q) {
			continue
		}
		score := backend.LexicalScore(q.Text, r)
		if q.Text != "" && score == 0 {
			continue
		}
		matches = append(matches, backend.Match{Record: r, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.LastAccessedAt.After(matches[j].Record.LastAccessedAt)
	})

	if q.Offset >= len(matches) {
		return nil, nil
	}
	matches = matches[q.Offset:]
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// All returns every record under the tier's prefix via the index set and a
// bulk MGET.
func (s *Store) All(ctx context.Context) ([]*record.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, backend.Wrap("redis.All", backend.KindUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, backend.Wrap("redis.All", backend.KindUnavailable, err)
	}

	out := make([]*record.Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry whose value expired or was deleted out-of-band.
			continue
		}
		r, err := decode([]byte(str))
		if err != nil {
			continue
		}
		out = append(out, r)
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
		return ids, &backend.PartialError{Op: "redis.BatchCreate", Items: failed}
	}
	return ids, nil
}

// BatchDelete removes multiple records, ignoring missing IDs.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	var failed []backend.ItemError
	for _, id := range ids {
		err := s.Delete(ctx, id)
		if err == nil {
			deleted++
			continue
		}
		if !errors.Is(err, backend.ErrNotFound) {
			failed = append(failed, backend.ItemError{ID: id, Err: err})
		}
	}
	if len(failed) > 0 {
		return deleted, &backend.PartialError{Op: "redis.BatchDelete", Items: failed}
	}
	return deleted, nil
}

// Count returns the number of records matching the filter. The unfiltered
// count is a cheap SCARD; filtered counts load the records.
func (s *Store) Count(ctx context.Context, f backend.Filter) (int, error) {
	if f.Status == "" && len(f.Tags) == 0 {
		n, err := s.client.SCard(ctx, s.indexKey()).Result()
		if err != nil {
			return 0, backend.Wrap("redis.Count", backend.KindUnavailable, err)
		}
		return int(n), nil
	}

	recs, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if backend.MatchesFilter(r, f) {
			n++
		}
	}
	return n, nil
}

// Stats returns record counts and the key prefix in use.
func (s *Store) Stats(ctx context.Context) (backend.Stats, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return backend.Stats{}, err
	}
	st := backend.Stats{
		Records: len(recs),
		Details: map[string]any{"key_prefix": s.prefix},
	}
	for _, r := range recs {
		if r.Pinned() {
			st.Pinned++
		}
	}
	return st, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(data []byte) (*record.Record, error) {
	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, backend.Wrap("redis.decode", backend.KindInternal, err)
	}
	r.Clamp()
	return &r, nil
}

// Package etcdstore provides a remote key-value backend on etcd.
//
// It is the alternative to the Redis backend for deployments that already
// run etcd. Records persist as JSON values under a tier-scoped key prefix
// and enumeration uses prefix range scans, so no secondary index is kept.
// Creates and updates use transactions keyed on the record's create
// revision, which makes them safe against concurrent writers.
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/record"
)

var _ backend.Backend = (*Store)(nil)

// Options configures the etcd connection and key namespace.
type Options struct {
	// Endpoints lists the etcd cluster endpoints.
	Endpoints []string

	// KeyPrefix scopes all keys for this tier (e.g., "mnemo/durable").
	KeyPrefix string

	// DialTimeout is the maximum time to wait for connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds individual operations when the caller's
	// context has no deadline.
	RequestTimeout time.Duration

	// Username and Password authenticate against a secured cluster.
	Username string
	Password string
}

// Store is an etcd-backed record store.
type Store struct {
	client         *clientv3.Client
	prefix         string
	requestTimeout time.Duration
}

// New creates an etcd store and verifies connectivity by reading the
// cluster status of the first endpoint.
func New(opts Options) (*Store, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("etcdstore: endpoints cannot be empty")
	}
	if opts.KeyPrefix == "" {
		return nil, fmt.Errorf("etcdstore: key prefix is required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Username:    opts.Username,
		Password:    opts.Password,
	})
	if err != nil {
		return nil, backend.Wrap("etcd.New", backend.KindUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, opts.Endpoints[0]); err != nil {
		client.Close()
		return nil, backend.Wrap("etcd.New", backend.KindUnavailable, err)
	}

	return &Store{
		client:         client,
		prefix:         opts.KeyPrefix,
		requestTimeout: opts.RequestTimeout,
	}, nil
}

// Capabilities reports persistent key-value storage with relationship
// support.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{Persistent: true, Relationships: true}
}

func (s *Store) key(id string) string {
	return s.prefix + "/rec/" + id
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

// Create stores a new record, failing if the key already exists.
func (s *Store) Create(ctx context.Context, r *record.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", backend.Wrap("etcd.Create", backend.KindValidation, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return "", backend.Wrap("etcd.Create", backend.KindValidation, err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.key(r.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return "", backend.Wrap("etcd.Create", backend.KindUnavailable, err)
	}
	if !resp.Succeeded {
		return "", backend.Wrap("etcd.Create", backend.KindValidation, backend.ErrAlreadyExists)
	}
	return r.ID, nil
}

// Read returns the record with the given ID.
func (s *Store) Read(ctx context.Context, id string) (*record.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return nil, backend.Wrap("etcd.Read", backend.KindUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, backend.Wrap("etcd.Read", backend.KindNotFound, backend.ErrNotFound)
	}
	return decode(resp.Kvs[0].Value)
}

// Update replaces the stored record, failing if the key is absent.
func (s *Store) Update(ctx context.Context, r *record.Record) error {
	if err := r.Validate(); err != nil {
		return backend.Wrap("etcd.Update", backend.KindValidation, err)
	}

	data, err := json.Marshal(r)
	if err != nil {
		return backend.Wrap("etcd.Update", backend.KindValidation, err)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	key := s.key(r.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return backend.Wrap("etcd.Update", backend.KindUnavailable, err)
	}
	if !resp.Succeeded {
		return backend.Wrap("etcd.Update", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Delete removes the record with the given ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	resp, err := s.client.Delete(ctx, s.key(id))
	if err != nil {
		return backend.Wrap("etcd.Delete", backend.KindUnavailable, err)
	}
	if resp.Deleted == 0 {
		return backend.Wrap("etcd.Delete", backend.KindNotFound, backend.ErrNotFound)
	}
	return nil
}

// Exists reports whether a record with the given ID is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(id), clientv3.WithCountOnly())
	if err != nil {
		return false, backend.Wrap("etcd.Exists", backend.KindUnavailable, err)
	}
	return resp.Count > 0, nil
}

// Search scans the tier's prefix and ranks records client-side.
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

// All returns every record under the tier's prefix.
func (s *Store) All(ctx context.Context) ([]*record.Record, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	resp, err := s.client.Get(ctx, s.prefix+"/rec/", clientv3.WithPrefix())
	if err != nil {
		return nil, backend.Wrap("etcd.All", backend.KindUnavailable, err)
	}

	out := make([]*record.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		r, err := decode(kv.Value)
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
		return ids, &backend.PartialError{Op: "etcd.BatchCreate", Items: failed}
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
		return deleted, &backend.PartialError{Op: "etcd.BatchDelete", Items: failed}
	}
	return deleted, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f backend.Filter) (int, error) {
	if f.Status == "" && len(f.Tags) == 0 {
		opCtx, cancel := s.opCtx(ctx)
		defer cancel()

		resp, err := s.client.Get(opCtx, s.prefix+"/rec/", clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return 0, backend.Wrap("etcd.Count", backend.KindUnavailable, err)
		}
		return int(resp.Count), nil
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

// Close closes the etcd client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(data []byte) (*record.Record, error) {
	var r record.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, backend.Wrap("etcd.decode", backend.KindInternal, err)
	}
	r.Clamp()
	return &r, nil
}

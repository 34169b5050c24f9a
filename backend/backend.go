package backend

import (
	"context"

	"github.com/mnemo-ai/mnemo/record"
)

// Query describes a search request against a single backend.
type Query struct {
	// Text is the lexical query. Backends without vector search match it
	// against summaries, content values, and tags.
	Text string

	// Embedding is the query vector. Only consulted by backends whose
	// Capabilities declare VectorSearch.
	Embedding []float32

	// Tags restricts results to records carrying every listed tag.
	Tags []string

	// Limit caps the number of results. Zero means backend default.
	Limit int

	// Offset skips the first N ranked results.
	Offset int

	// IncludeArchived widens the search to archived records.
	IncludeArchived bool
}

// Match is one search result with the backend's own relevance score.
// A zero score means the backend could not rank the result itself; the
// search router then falls back to lexical scoring.
type Match struct {
	Record *record.Record
	Score  float64
}

// Filter restricts Count to a subset of records. Zero value counts all
// non-deleted records.
type Filter struct {
	Status record.Status
	Tags   []string
}

// Stats reports backend-level metrics for health reporting.
type Stats struct {
	// Records is the number of live (non-deleted) records.
	Records int `json:"records"`

	// Pinned is the number of records with importance 1.0.
	Pinned int `json:"pinned"`

	// Details carries backend-specific diagnostics (file sizes, key
	// prefixes, index dimensions).
	Details map[string]any `json:"details,omitempty"`
}

// Capabilities declares what a backend supports beyond the core contract.
type Capabilities struct {
	// VectorSearch is true if the backend ranks by embedding similarity.
	// Such backends reject records without an embedding.
	VectorSearch bool

	// Persistent is true if records survive process restart.
	Persistent bool

	// Relationships is true if the backend stores relationship edges.
	Relationships bool
}

// Backend is the storage contract each tier wraps. Implementations must be
// safe for concurrent use.
type Backend interface {
	// Create stores a new record and returns its ID. Returns
	// ErrAlreadyExists if the ID is taken and ErrEmbeddingRequired if the
	// backend is vector-capable and the record has no embedding.
	Create(ctx context.Context, r *record.Record) (string, error)

	// Read returns the record with the given ID, or ErrNotFound.
	// The returned record is a copy; mutations require Update.
	Read(ctx context.Context, id string) (*record.Record, error)

	// Update replaces the stored record, matched by ID. Returns
	// ErrNotFound if no such record exists.
	Update(ctx context.Context, r *record.Record) error

	// Delete removes the record with the given ID. Returns ErrNotFound if
	// no such record exists.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a record with the given ID is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// Search returns ranked matches for the query. An empty result is not
	// an error.
	Search(ctx context.Context, q Query) ([]Match, error)

	// All returns every live record. Maintenance routines (decay,
	// consolidation candidate selection, eviction scans) iterate with it.
	All(ctx context.Context) ([]*record.Record, error)

	// BatchCreate stores multiple records. Failures are isolated per item:
	// the returned IDs are those stored successfully, and the error, if
	// non-nil, is a *PartialError describing the rest.
	BatchCreate(ctx context.Context, recs []*record.Record) ([]string, error)

	// BatchDelete removes multiple records, ignoring missing IDs. It
	// returns the number actually deleted; a non-nil error is a
	// *PartialError for IDs that failed for reasons other than absence.
	BatchDelete(ctx context.Context, ids []string) (int, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, f Filter) (int, error)

	// Stats returns backend metrics.
	Stats(ctx context.Context) (Stats, error)

	// Capabilities declares the backend's optional features.
	Capabilities() Capabilities

	// Close releases backend resources. The backend is unusable afterward.
	Close() error
}

// MatchesFilter reports whether a record satisfies a Count filter.
// Shared by backends that filter in-process.
func MatchesFilter(r *record.Record, f Filter) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	return true
}

// MatchesQuery reports whether a record is eligible for a query result
// before ranking: status and tag constraints only.
func MatchesQuery(r *record.Record, q Query) bool {
	switch r.Status {
	case record.StatusActive:
	case record.StatusArchived:
		if !q.IncludeArchived {
			return false
		}
	default:
		return false
	}
	for _, tag := range q.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	return true
}

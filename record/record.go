package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status marks the lifecycle state of a record. Deleted records are
// soft-deleted: they remain addressable by ID until a maintenance cycle
// removes them from the backend.
type Status string

const (
	// StatusActive indicates the record participates in search,
	// consolidation, and decay.
	StatusActive Status = "active"

	// StatusArchived indicates the record is retained but excluded from
	// default search results.
	StatusArchived Status = "archived"

	// StatusDeleted indicates the record is soft-deleted and pending
	// physical removal.
	StatusDeleted Status = "deleted"
)

// IsValid returns true if the status is one of the defined constants.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Common errors returned by record validation.
var (
	// ErrInvalidStatus is returned when a record carries an unknown status.
	ErrInvalidStatus = errors.New("record: invalid status")

	// ErrEmptyID is returned when a record has no identifier.
	ErrEmptyID = errors.New("record: empty id")
)

// AccessStrengthening is the amount added to a record's retention strength
// on every successful read, a mild rehearsal effect.
const AccessStrengthening = 0.1

// Edge is a typed, weighted relationship from one record to another.
// Relationships are meaningful only in the durable tier, where they form a
// small adjacency graph over stored knowledge.
type Edge struct {
	// Type describes the relationship (e.g. "derived_from", "contradicts",
	// "similar_to").
	Type string `json:"type"`

	// Weight expresses relationship strength in [0.0, 1.0].
	Weight float64 `json:"weight"`
}

// Record is the unit of memory. The engine treats Content as opaque; all
// retention decisions are driven by the surrounding metadata.
type Record struct {
	// ID is globally unique, assigned at creation, and immutable.
	ID string `json:"id"`

	// Content is the opaque payload. The engine never interprets it beyond
	// lexical scoring for search relevance.
	Content map[string]any `json:"content"`

	// Summary is an optional short rendering of the content used for
	// context-window budgeting and display.
	Summary string `json:"summary,omitempty"`

	// Embedding is an optional fixed-length vector. Required only when the
	// record is stored in a backend offering similarity search.
	Embedding []float32 `json:"embedding,omitempty"`

	// Importance is the caller-assigned priority in [0.0, 1.0]. A value of
	// 1.0 pins the record: it is never evicted by decay.
	Importance float64 `json:"importance"`

	// Status is the soft-delete lifecycle marker.
	Status Status `json:"status"`

	// Tags are free-form labels used for filtering and destination
	// classification during consolidation.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is updated on every successful read.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount is bumped on every successful read and never decreases.
	AccessCount int64 `json:"access_count"`

	// Strength is the current retention weight in [0.0, 1.0]. It starts at
	// 1.0, is reduced by decay, and is strengthened by access.
	Strength float64 `json:"strength"`

	// Relationships maps related record IDs to typed edges. Populated only
	// in the durable tier.
	Relationships map[string]Edge `json:"relationships,omitempty"`
}

// New creates an active record with a fresh ID, full retention strength,
// and creation timestamps set to now.
func New(content map[string]any) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:             uuid.NewString(),
		Content:        content,
		Status:         StatusActive,
		CreatedAt:      now,
		LastAccessedAt: now,
		Strength:       1.0,
	}
}

// Validate checks the record's structural invariants. It does not mutate
// the record.
func (r *Record) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}
	return nil
}

// Clamp forces importance and strength back into [0.0, 1.0]. Mutating
// methods call this; it is exported so backends can normalize records they
// deserialize from external storage.
func (r *Record) Clamp() {
	r.Importance = Clamp01(r.Importance)
	r.Strength = Clamp01(r.Strength)
}

// Pinned reports whether the record is immune to decay eviction.
func (r *Record) Pinned() bool {
	return r.Importance >= 1.0
}

// Touch marks a successful read: the access count is bumped, the access
// timestamp is refreshed, and the retention strength receives a small
// rehearsal boost.
func (r *Record) Touch() {
	r.AccessCount++
	r.LastAccessedAt = time.Now().UTC()
	r.Strengthen(AccessStrengthening)
}

// Strengthen increases retention strength by delta, clamped to 1.0.
func (r *Record) Strengthen(delta float64) {
	r.Strength = Clamp01(r.Strength + delta)
}

// Weaken decreases retention strength by delta, clamped to 0.0.
func (r *Record) Weaken(delta float64) {
	r.Strength = Clamp01(r.Strength - delta)
}

// SetImportance assigns the importance score, clamped to [0.0, 1.0].
func (r *Record) SetImportance(v float64) {
	r.Importance = Clamp01(v)
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present.
func (r *Record) AddTag(tag string) {
	if tag == "" || r.HasTag(tag) {
		return
	}
	r.Tags = append(r.Tags, tag)
}

// Link records a typed, weighted relationship to another record,
// replacing any existing edge to the same target. The weight is clamped
// to [0.0, 1.0].
func (r *Record) Link(targetID, relType string, weight float64) {
	if targetID == "" || targetID == r.ID {
		return
	}
	if r.Relationships == nil {
		r.Relationships = make(map[string]Edge)
	}
	r.Relationships[targetID] = Edge{Type: relType, Weight: Clamp01(weight)}
}

// Unlink removes the relationship to the given target, if any.
func (r *Record) Unlink(targetID string) {
	delete(r.Relationships, targetID)
}

// Age returns the duration since the record was created.
func (r *Record) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// SinceAccess returns the duration since the record was last read.
func (r *Record) SinceAccess() time.Duration {
	return time.Since(r.LastAccessedAt)
}

// Clone returns a deep copy of the record. The content payload is copied
// via JSON round-trip, so values that cannot be marshaled are shared with
// the original.
func (r *Record) Clone() *Record {
	clone := *r

	if r.Content != nil {
		clone.Content = cloneContent(r.Content)
	}
	if r.Embedding != nil {
		clone.Embedding = make([]float32, len(r.Embedding))
		copy(clone.Embedding, r.Embedding)
	}
	if r.Tags != nil {
		clone.Tags = make([]string, len(r.Tags))
		copy(clone.Tags, r.Tags)
	}
	if r.Relationships != nil {
		clone.Relationships = make(map[string]Edge, len(r.Relationships))
		for k, v := range r.Relationships {
			clone.Relationships[k] = v
		}
	}
	return &clone
}

// String returns a human-readable representation of the record.
func (r *Record) String() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Clamp01 clamps v to the closed interval [0.0, 1.0].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cloneContent(content map[string]any) map[string]any {
	data, err := json.Marshal(content)
	if err != nil {
		return content
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return content
	}
	return out
}

package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common backend conditions. Implementations wrap these
// in *Error so callers can classify failures with errors.Is.
var (
	// ErrNotFound is returned when the requested ID is absent. It marks a
	// valid empty result, not a failure.
	ErrNotFound = errors.New("backend: record not found")

	// ErrAlreadyExists is returned by Create when the ID is taken.
	ErrAlreadyExists = errors.New("backend: record already exists")

	// ErrUnavailable is returned when the underlying store cannot be
	// reached. Callers may retry; the error is never silently swallowed at
	// the backend boundary.
	ErrUnavailable = errors.New("backend: storage unavailable")

	// ErrInvalidRecord is returned when a record fails validation before
	// any write is attempted.
	ErrInvalidRecord = errors.New("backend: invalid record")

	// ErrEmbeddingRequired is returned by vector-capable backends when a
	// record carries no embedding.
	ErrEmbeddingRequired = errors.New("backend: embedding required")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend: closed")
)

// Error kinds categorize backend failures.
const (
	KindNotFound    = "not_found"
	KindValidation  = "validation"
	KindUnavailable = "unavailable"
	KindPartial     = "partial"
	KindInternal    = "internal"
)

// Error wraps a backend failure with the operation that produced it and a
// kind for classification. It supports errors.Is and errors.As through
// Unwrap.
type Error struct {
	// Op is the failing operation, e.g. "redis.Create" or "sqlite.Search".
	Op string

	// Kind categorizes the failure.
	Kind string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("backend: %s (%s): %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds a *Error around err. A nil err yields nil.
func Wrap(op, kind string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// ItemError records one failed item inside a batch operation.
type ItemError struct {
	ID  string
	Err error
}

// PartialError aggregates per-item failures from a batch or multi-tier
// operation that partially succeeded. The operation's successes are
// reported through its normal return values; PartialError only describes
// the remainder.
type PartialError struct {
	Op    string
	Items []ItemError
}

// Error implements the error interface.
func (e *PartialError) Error() string {
	if len(e.Items) == 0 {
		return fmt.Sprintf("backend: %s: partial failure", e.Op)
	}
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s: %v", it.ID, it.Err))
	}
	return fmt.Sprintf("backend: %s: %d item(s) failed: %s", e.Op, len(e.Items), strings.Join(parts, "; "))
}

// Len returns the number of failed items.
func (e *PartialError) Len() int {
	return len(e.Items)
}

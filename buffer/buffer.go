// Package buffer maintains the small, ranked working set of records
// relevant to the current context.
//
// The buffer is recomputed from a context description by querying the
// tier hierarchy; it is a view, not a store. Reading the buffer never
// touches storage. Rendering the context window is the one side-effecting
// operation: it marks each included record as accessed, and it does so
// after releasing the buffer lock so storage latency never blocks
// concurrent readers.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/search"
)

// DefaultCapacity is the buffer size when Options leaves it zero.
const DefaultCapacity = 20

// TouchFunc marks a record as accessed, wherever it lives.
type TouchFunc func(ctx context.Context, id string) error

// Options configures a Buffer.
type Options struct {
	// Capacity bounds the number of buffered entries. Zero means
	// DefaultCapacity.
	Capacity int

	// MinRelevance drops refresh results scoring below it.
	MinRelevance float64

	// Touch marks window-rendered records as accessed. Nil disables
	// access marking.
	Touch TouchFunc

	// Logger receives refresh summaries and touch failures. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// Entry is one buffered record with its relevance to the current context.
type Entry struct {
	Result search.Result
}

// Buffer holds the ranked working set.
type Buffer struct {
	router *search.Router
	cap    int
	minRel float64
	touch  TouchFunc
	logger *slog.Logger

	mu        sync.RWMutex
	context   string
	embedding []float32
	gen       uint64
	entries   []Entry
}

// New creates an empty buffer over the search router.
func New(router *search.Router, opts Options) *Buffer {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		router: router,
		cap:    capacity,
		minRel: opts.MinRelevance,
		touch:  opts.Touch,
		logger: logger,
	}
}

// Context returns the description the buffer was last refreshed against.
func (b *Buffer) Context() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.context
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Entries returns a copy of the ranked working set, most relevant first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// SetContext stores the context description and its optional pre-computed
// embedding without refreshing. The next Refresh call queries against
// both; a nil embedding means lexical ranking everywhere.
func (b *Buffer) SetContext(desc string, embedding []float32) {
	b.mu.Lock()
	b.context = desc
	b.embedding = embedding
	b.gen++
	b.mu.Unlock()
}

// Refresh recomputes the working set against the stored context. The
// query runs outside the buffer lock; the swap at the end is the only
// write. An empty context clears the buffer.
func (b *Buffer) Refresh(ctx context.Context) error {
	b.mu.RLock()
	desc := b.context
	embedding := b.embedding
	gen := b.gen
	b.mu.RUnlock()

	if desc == "" {
		b.mu.Lock()
		b.entries = nil
		b.mu.Unlock()
		return nil
	}

	results, err := b.router.Search(ctx, backend.Query{Text: desc, Embedding: embedding}, search.Options{
		Limit:        b.cap,
		MinRelevance: b.minRel,
	})
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(results))
	for _, res := range results {
		entries = append(entries, Entry{Result: res})
	}

	b.mu.Lock()
	// A competing refresh against a newer context wins; drop stale
	// results instead of overwriting.
	if b.gen != gen {
		b.mu.Unlock()
		return nil
	}
	b.entries = entries
	b.mu.Unlock()

	b.logger.Debug("buffer refreshed", "entries", len(entries))
	return nil
}

// Window renders the buffered records as prompt-ready text, most relevant
// first, and marks each included record as accessed. maxItems bounds the
// number of records and maxLen the rendered byte length; zero means
// unbounded. Access marking happens after the buffer lock is released.
func (b *Buffer) Window(ctx context.Context, maxItems, maxLen int) string {
	b.mu.RLock()
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	b.mu.RUnlock()

	if maxItems > 0 && len(entries) > maxItems {
		entries = entries[:maxItems]
	}

	var sb strings.Builder
	var included []string
	for _, e := range entries {
		line := renderLine(e)
		if maxLen > 0 && sb.Len()+len(line) > maxLen {
			break
		}
		sb.WriteString(line)
		included = append(included, e.Result.Record.ID)
	}

	if b.touch != nil {
		for _, id := range included {
			if err := b.touch(ctx, id); err != nil {
				b.logger.Warn("buffer: access mark failed", "id", id, "error", err)
			}
		}
	}
	return sb.String()
}

func renderLine(e Entry) string {
	r := e.Result.Record
	text := r.Summary
	if text == "" {
		text = backend.SearchableText(r)
	}
	return "- " + strings.TrimSpace(text) + "\n"
}

// Package tier wraps one storage backend with tier-specific retention
// policy: capacity, decay rate, eviction floor, and a promotion rule.
//
// The hierarchy runs Recent (small, fast, volatile) through Intermediate
// (moderate capacity and decay) to Durable (large, slow-decaying, with
// relationship links and similarity search). A tier owns its backend
// exclusively; maintenance routines serialize per tier through the tier's
// maintenance lock so consolidation and decay never race on the same
// records.
package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/policy"
	"github.com/mnemo-ai/mnemo/record"
)

// Level identifies a tier's place in the hierarchy. Levels order by
// increasing permanence.
type Level int

const (
	// Recent is the volatile, capacity-evicted working set of new records.
	Recent Level = iota

	// Intermediate holds episodic records under moderate decay.
	Intermediate

	// Durable holds consolidated knowledge under slow decay.
	Durable
)

// String returns the level's name.
func (l Level) String() string {
	switch l {
	case Recent:
		return "recent"
	case Intermediate:
		return "intermediate"
	case Durable:
		return "durable"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "recent":
		return Recent, nil
	case "intermediate":
		return Intermediate, nil
	case "durable":
		return Durable, nil
	default:
		return 0, fmt.Errorf("tier: unknown level %q", s)
	}
}

// Config holds a tier's policy knobs. Zero values mean: unbounded
// capacity, no decay, no eviction floor, promote everything that clears
// the activation threshold.
type Config struct {
	// Capacity bounds the number of live records. Zero means unbounded.
	Capacity int

	// DecayRate is the strength lost per second of elapsed decay time,
	// before strain modulation.
	DecayRate float64

	// MinDecayRate caps how slow decay may run when the strain signal is
	// critical. Zero disables decay entirely in that state.
	MinDecayRate float64

	// FloorStrength is the strength below which a decayed record is
	// evicted, before strain modulation.
	FloorStrength float64

	// BaseActivation is the minimum strength a record needs to be a
	// consolidation candidate, before strain modulation.
	BaseActivation float64

	// Promote gates consolidation candidates. Nil promotes every record
	// that clears the activation threshold.
	Promote policy.Predicate
}

// Tier binds a backend to its retention policy.
type Tier struct {
	level Level
	be    backend.Backend
	cfg   Config

	// maint serializes consolidation and decay for this tier.
	maint sync.Mutex

	onEvict func(*record.Record)
}

// New creates a tier over the given backend.
func New(level Level, be backend.Backend, cfg Config) *Tier {
	return &Tier{level: level, be: be, cfg: cfg}
}

// Level returns the tier's hierarchy level.
func (t *Tier) Level() Level {
	return t.level
}

// Backend returns the wrapped backend.
func (t *Tier) Backend() backend.Backend {
	return t.be
}

// Config returns the tier's policy configuration.
func (t *Tier) Config() Config {
	return t.cfg
}

// SetEvictionHook registers fn to be called for each record removed
// under capacity pressure. Set it before the tier is used; the engine
// wires its eviction counters through it.
func (t *Tier) SetEvictionHook(fn func(*record.Record)) {
	t.onEvict = fn
}

// Promotes reports whether the record passes the tier's promotion rule.
func (t *Tier) Promotes(r *record.Record) bool {
	if t.cfg.Promote == nil {
		return true
	}
	return t.cfg.Promote(r)
}

// LockMaintenance acquires the tier's maintenance lock. Consolidation and
// decay hold it for their whole pass over the tier; foreground reads and
// writes do not take it.
func (t *Tier) LockMaintenance() {
	t.maint.Lock()
}

// UnlockMaintenance releases the maintenance lock.
func (t *Tier) UnlockMaintenance() {
	t.maint.Unlock()
}

// IsFull reports whether the tier is at or over capacity.
func (t *Tier) IsFull(ctx context.Context) (bool, error) {
	if t.cfg.Capacity <= 0 {
		return false, nil
	}
	n, err := t.be.Count(ctx, backend.Filter{Status: record.StatusActive})
	if err != nil {
		return false, err
	}
	return n >= t.cfg.Capacity, nil
}

// EvictionCandidate returns the record that would be evicted under
// capacity pressure: lowest strength, ties broken by oldest access time.
// Pinned records are never candidates. Returns (nil, nil) when the tier
// holds no evictable record.
func (t *Tier) EvictionCandidate(ctx context.Context) (*record.Record, error) {
	recs, err := t.be.All(ctx)
	if err != nil {
		return nil, err
	}

	var candidate *record.Record
	for _, r := range recs {
		if r.Pinned() || r.Status == record.StatusDeleted {
			continue
		}
		if candidate == nil {
			candidate = r
			continue
		}
		if r.Strength < candidate.Strength ||
			(r.Strength == candidate.Strength && r.LastAccessedAt.Before(candidate.LastAccessedAt)) {
			candidate = r
		}
	}
	return candidate, nil
}

// Insert stores a record, evicting under capacity pressure first so the
// tier's capacity invariant holds at every observation point.
func (t *Tier) Insert(ctx context.Context, r *record.Record) error {
	if t.cfg.Capacity > 0 {
		// Bound the eviction loop; a tier full of pinned records stops
		// evicting and the insert may exceed capacity by one.
		for i := 0; i < t.cfg.Capacity; i++ {
			full, err := t.IsFull(ctx)
			if err != nil {
				return err
			}
			if !full {
				break
			}
			victim, err := t.EvictionCandidate(ctx)
			if err != nil {
				return err
			}
			if victim == nil {
				break
			}
			if err := t.be.Delete(ctx, victim.ID); err != nil && !errors.Is(err, backend.ErrNotFound) {
				return err
			}
			if t.onEvict != nil {
				t.onEvict(victim)
			}
		}
	}

	_, err := t.be.Create(ctx, r)
	return err
}

// Get reads a record and marks the access: the access count, timestamp,
// and strength are updated and written back. A failed write-back does not
// fail the read.
func (t *Tier) Get(ctx context.Context, id string) (*record.Record, error) {
	r, err := t.be.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	r.Touch()
	if err := t.be.Update(ctx, r); err != nil && !errors.Is(err, backend.ErrNotFound) {
		// Access bookkeeping is best-effort; the caller still gets the
		// record.
		return r, nil
	}
	return r, nil
}

// Touch marks an access on a stored record without returning it.
func (t *Tier) Touch(ctx context.Context, id string) error {
	r, err := t.be.Read(ctx, id)
	if err != nil {
		return err
	}
	r.Touch()
	return t.be.Update(ctx, r)
}

// Stats returns the backend's stats annotated with tier capacity
// utilization.
func (t *Tier) Stats(ctx context.Context) (backend.Stats, error) {
	st, err := t.be.Stats(ctx)
	if err != nil {
		return backend.Stats{}, err
	}
	if st.Details == nil {
		st.Details = make(map[string]any)
	}
	st.Details["level"] = t.level.String()
	if t.cfg.Capacity > 0 {
		st.Details["capacity"] = t.cfg.Capacity
		st.Details["utilization"] = float64(st.Records) / float64(t.cfg.Capacity)
	}
	return st, nil
}

// Close closes the tier's backend.
func (t *Tier) Close() error {
	return t.be.Close()
}

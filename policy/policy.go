// Package policy holds the configurable retention policy: consolidation
// activation thresholds, destination classification rules, and promotion
// predicates.
//
// Classification is rule-based with a content-length fallback; every
// threshold is configuration, not contract. Promotion predicates can be
// supplied as Go functions or compiled from CEL expressions, which lets
// deployments tune promotion behavior from configuration files without
// recompiling:
//
//	pred, err := policy.CompilePredicate(
//	    `importance >= 0.6 || access_count >= 3 || "urgent" in tags`)
package policy

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mnemo-ai/mnemo/record"
)

// Destination classifies where a consolidated record belongs.
type Destination string

const (
	// DestEpisodic routes event-like records to the intermediate tier.
	DestEpisodic Destination = "episodic"

	// DestSemantic routes conceptual knowledge to the durable tier.
	DestSemantic Destination = "semantic"
)

// Default classification knobs.
const (
	// DefaultLongContentThreshold is the content length, in bytes of the
	// flattened text, above which the length fallback routes a record to
	// the durable tier.
	DefaultLongContentThreshold = 256
)

// Default marker sets consulted by Classify. Tag hints win over content
// keys; both win over the length fallback.
var (
	DefaultEpisodicTags = []string{"episodic", "event", "session"}
	DefaultSemanticTags = []string{"semantic", "fact", "concept", "rule"}
	DefaultTemporalKeys = []string{"when", "timestamp", "occurred_at", "event"}
	DefaultConceptKeys  = []string{"concept", "definition", "fact", "rule"}
)

// Config is the classification policy. The zero value classifies with the
// package defaults.
type Config struct {
	// LongContentThreshold is the length fallback cutoff. Zero means
	// DefaultLongContentThreshold.
	LongContentThreshold int

	// EpisodicTags and SemanticTags are explicit destination hints.
	EpisodicTags []string
	SemanticTags []string

	// TemporalKeys and ConceptKeys are content keys treated as episodic
	// and semantic markers respectively.
	TemporalKeys []string
	ConceptKeys  []string
}

func (c Config) withDefaults() Config {
	if c.LongContentThreshold <= 0 {
		c.LongContentThreshold = DefaultLongContentThreshold
	}
	if c.EpisodicTags == nil {
		c.EpisodicTags = DefaultEpisodicTags
	}
	if c.SemanticTags == nil {
		c.SemanticTags = DefaultSemanticTags
	}
	if c.TemporalKeys == nil {
		c.TemporalKeys = DefaultTemporalKeys
	}
	if c.ConceptKeys == nil {
		c.ConceptKeys = DefaultConceptKeys
	}
	return c
}

// Classify decides a record's consolidation destination. Rule order:
// explicit tag hints, temporal content markers (episodic), conceptual
// content markers (semantic), then the content-length fallback: long
// records are treated as knowledge, short ones as events.
func (c Config) Classify(r *record.Record) Destination {
	cfg := c.withDefaults()

	for _, tag := range cfg.SemanticTags {
		if r.HasTag(tag) {
			return DestSemantic
		}
	}
	for _, tag := range cfg.EpisodicTags {
		if r.HasTag(tag) {
			return DestEpisodic
		}
	}

	for _, key := range cfg.TemporalKeys {
		if _, ok := r.Content[key]; ok {
			return DestEpisodic
		}
	}
	for _, key := range cfg.ConceptKeys {
		if _, ok := r.Content[key]; ok {
			return DestSemantic
		}
	}

	if len(flattened(r)) > cfg.LongContentThreshold {
		return DestSemantic
	}
	return DestEpisodic
}

func flattened(r *record.Record) string {
	text := r.Summary
	for k, v := range r.Content {
		text += k
		if s, ok := v.(string); ok {
			text += s
		} else {
			text += fmt.Sprintf("%v", v)
		}
	}
	return text
}

// Predicate decides whether a record qualifies for promotion to the next
// tier.
type Predicate func(r *record.Record) bool

// Always is the predicate that promotes every candidate.
func Always(*record.Record) bool { return true }

// DefaultPromotion builds the standard promotion rule: a record qualifies
// when its importance, read count, or age crosses the respective bound.
func DefaultPromotion(minImportance float64, minAccess int64, minAge time.Duration) Predicate {
	return func(r *record.Record) bool {
		if r.Importance >= minImportance {
			return true
		}
		if r.AccessCount >= minAccess {
			return true
		}
		return minAge > 0 && r.Age() >= minAge
	}
}

// CompilePredicate compiles a CEL expression into a promotion predicate.
// The expression sees these variables:
//
//	importance   double   the record's importance score
//	strength     double   current retention strength
//	access_count int      total successful reads
//	age_seconds  double   seconds since creation
//	tags         list     the record's tag strings
//
// The expression must evaluate to a boolean. Evaluation errors count as a
// non-match so a bad expression degrades to "promote nothing" rather than
// failing the maintenance cycle.
func CompilePredicate(expr string) (Predicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("importance", cel.DoubleType),
		cel.Variable("strength", cel.DoubleType),
		cel.Variable("access_count", cel.IntType),
		cel.Variable("age_seconds", cel.DoubleType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, iss.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}

	return func(r *record.Record) bool {
		tags := r.Tags
		if tags == nil {
			tags = []string{}
		}
		out, _, err := prg.Eval(map[string]any{
			"importance":   r.Importance,
			"strength":     r.Strength,
			"access_count": r.AccessCount,
			"age_seconds":  r.Age().Seconds(),
			"tags":         tags,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

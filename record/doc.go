// Package record defines the unit of memory managed by the engine.
//
// A Record carries an opaque content payload together with the metadata the
// tiered memory system needs to make retention decisions: an importance
// score, a retention strength, access statistics, tags, an optional
// embedding vector, and typed relationship edges to other records.
//
// Records are created with New and mutated only through methods that
// preserve the model invariants: importance and strength are always clamped
// to [0.0, 1.0], the access count never decreases, and a record whose
// importance is 1.0 is treated as pinned and is never evicted by decay.
package record

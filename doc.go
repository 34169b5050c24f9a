// Package mnemo is a tiered memory engine for long-running agents.
//
// Records enter a small, fast recent tier, consolidate into an episodic
// intermediate tier and a semantic durable tier as they prove useful, and
// decay away when they do not. Retrieval fans out across all tiers at
// once and a ranked working buffer tracks what is relevant to the current
// context.
//
// The root package offers convenience constructors; the real surface
// lives in the subpackages:
//
//   - record: the memory record model
//   - backend: the storage contract, with inmem, sqlite, redisstore,
//     etcdstore, and chromem implementations
//   - tier: per-tier retention policy over one backend
//   - consolidate, decay: the maintenance routines
//   - search: cross-tier retrieval
//   - buffer: the context-driven working set
//   - engine: the assembled engine and its scheduler
//   - config: YAML configuration and engine assembly
//
// Minimal use:
//
//	eng, err := mnemo.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Shutdown(context.Background())
//
//	r, _ := eng.Add(ctx, map[string]any{"text": "the deploy runs at 9am"}, engine.AddOptions{})
//	results, _ := eng.Search(ctx, backend.Query{Text: "deploy"}, search.Options{})
package mnemo

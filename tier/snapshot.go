package tier

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mnemo-ai/mnemo/record"
)

// Export writes every record in the tier as a JSON array, for offline
// inspection or migration between backends.
func (t *Tier) Export(ctx context.Context, w io.Writer) error {
	recs, err := t.be.All(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

// Import reads a JSON array of records (the Export format) and stores
// them through the capacity-aware insert path. It returns the number of
// records stored; per-record failures are skipped.
func (t *Tier) Import(ctx context.Context, r io.Reader) (int, error) {
	var recs []*record.Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return 0, err
	}

	stored := 0
	for _, rec := range recs {
		rec.Clamp()
		if err := t.Insert(ctx, rec); err != nil {
			continue
		}
		stored++
	}
	return stored, nil
}

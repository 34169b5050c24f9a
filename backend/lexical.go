package backend

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mnemo-ai/mnemo/record"
)

// LexicalScore computes a relevance score in [0.0, 1.0] for a record
// against a text query using token overlap. It is the ranking used by
// backends without similarity search, and the router's fallback when a
// backend returns unscored matches.
//
// The score is the fraction of query tokens found in the record's summary,
// content values, or tags. Tag hits count slightly more than body hits so
// explicitly labeled records rank above incidental text overlap.
func LexicalScore(query string, r *record.Record) float64 {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return 0
	}

	body := strings.ToLower(searchableText(r))
	tagSet := make(map[string]bool, len(r.Tags))
	for _, t := range r.Tags {
		tagSet[strings.ToLower(t)] = true
	}

	var score float64
	for _, tok := range tokens {
		switch {
		case tagSet[tok]:
			score += 1.2
		case strings.Contains(body, tok):
			score += 1.0
		}
	}

	score /= float64(len(tokens))
	if score > 1 {
		score = 1
	}
	return score
}

// Tokenize lower-cases the input and splits it on any non-letter,
// non-digit rune, dropping single-character fragments.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func searchableText(r *record.Record) string {
	var b strings.Builder
	b.WriteString(r.Summary)
	for k, v := range r.Content {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte(' ')
		switch val := v.(type) {
		case string:
			b.WriteString(val)
		default:
			fmt.Fprintf(&b, "%v", val)
		}
	}
	return b.String()
}

// SearchableText renders the record's lexically searchable text: summary
// plus flattened content keys and values. Backends that index text
// externally (e.g. SQL LIKE columns) store this rendering.
func SearchableText(r *record.Record) string {
	return searchableText(r)
}

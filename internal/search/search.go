// Package search is the similarity-search seam. The engine treats search as
// pure enrichment: a failed or empty lookup never fails the run, the
// RefineContext stage simply proceeds with the unenriched instruction.
package search

import (
	"context"
	"sort"
	"strings"
)

// Snippet is one retrieved passage with its relevance score.
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Searcher retrieves passages relevant to a query within one novel.
type Searcher interface {
	Similar(ctx context.Context, novelID, query string, limit int) ([]Snippet, error)
}

// Keyword is a term-overlap searcher over an in-memory corpus. It stands in
// for a vector index in tests and single-node deployments; the scoring is
// crude but deterministic.
type Keyword struct {
	docs []Snippet
}

var _ Searcher = (*Keyword)(nil)

func NewKeyword() *Keyword {
	return &Keyword{}
}

// Add registers a passage under a source label.
func (k *Keyword) Add(source, text string) {
	k.docs = append(k.docs, Snippet{Source: source, Text: text})
}

func (k *Keyword) Similar(ctx context.Context, novelID, query string, limit int) ([]Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	var out []Snippet
	for _, d := range k.docs {
		score := overlap(terms, tokenize(d.Text))
		if score > 0 {
			out = append(out, Snippet{Source: d.Source, Text: d.Text, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

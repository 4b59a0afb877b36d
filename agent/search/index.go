package search

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

// index is a brute-force flat vector index over the product catalog.
// Built once at startup and read-only afterward, so it is safe to share
// across tasks without locking.
type index struct {
	dim     int
	entries []indexEntry
}

type indexEntry struct {
	id   string
	vec  []float64
	norm float64
}

func newIndex(products []contractx.Product) *index {
	ix := &index{}
	for _, p := range products {
		if len(p.Embedding) == 0 {
			continue
		}
		if ix.dim == 0 {
			ix.dim = len(p.Embedding)
		}
		if len(p.Embedding) != ix.dim {
			continue
		}
		norm := math.Sqrt(floats.Dot(p.Embedding, p.Embedding))
		if norm == 0 {
			continue
		}
		ix.entries = append(ix.entries, indexEntry{
			id:   p.ID,
			vec:  p.Embedding,
			norm: norm,
		})
	}
	// deterministic scan order
	sort.Slice(ix.entries, func(i, j int) bool {
		return ix.entries[i].id < ix.entries[j].id
	})
	return ix
}

func (ix *index) empty() bool {
	return ix == nil || len(ix.entries) == 0
}

// scoreAll returns cosine similarity for every indexed item against query.
func (ix *index) scoreAll(query []float64) []Result {
	if ix.empty() || len(query) != ix.dim {
		return nil
	}
	qnorm := math.Sqrt(floats.Dot(query, query))
	if qnorm == 0 {
		return nil
	}

	out := make([]Result, 0, len(ix.entries))
	for _, e := range ix.entries {
		score := floats.Dot(query, e.vec) / (qnorm * e.norm)
		out = append(out, Result{
			ItemID:        e.id,
			Score:         score,
			MatchedFields: []string{"embedding"},
		})
	}
	return out
}

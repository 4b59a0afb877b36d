// Package search ranks catalog items by semantic similarity to a query,
// with a lexical keyword fallback when the embedding subsystem is down.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	contractx "github.com/pakin-t/deskflow/agent/contract"
	retryx "github.com/pakin-t/deskflow/pkg/retryx"
)

const (
	DefaultTopK = 5
	MaxTopK     = 50
)

type Filters struct {
	MinPrice float64 `json:"min_price,omitempty"`
	MaxPrice float64 `json:"max_price,omitempty"`
	Category string  `json:"category,omitempty"`
}

// Result ordering invariant: strictly descending score, ties broken by
// ascending item id.
type Result struct {
	ItemID        string   `json:"item_id"`
	Score         float64  `json:"score"`
	MatchedFields []string `json:"matched_fields,omitempty"`
}

type productRecord struct {
	ID          string
	Title       string
	Description string
	Category    string
	Price       float64
}

type Engine struct {
	embedder contractx.Embedder
	index    *index
	products map[string]productRecord
	ordered  []productRecord
	retry    retryx.Options
}

type EngineOption func(*Engine)

func WithRetryOptions(opts retryx.Options) EngineOption {
	return func(e *Engine) {
		e.retry = opts
	}
}

// NewEngine builds the flat index from the catalog snapshot. Products
// without embeddings still participate in the lexical fallback.
func NewEngine(embedder contractx.Embedder, products []contractx.Product, opts ...EngineOption) (*Engine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", contractx.ErrValidation)
	}

	e := &Engine{
		embedder: embedder,
		index:    newIndex(products),
		products: make(map[string]productRecord, len(products)),
	}
	for _, p := range products {
		rec := productRecord{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Category:    p.Category,
			Price:       p.Price,
		}
		e.products[p.ID] = rec
		e.ordered = append(e.ordered, rec)
	}
	sort.Slice(e.ordered, func(i, j int) bool {
		return e.ordered[i].ID < e.ordered[j].ID
	})

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Search embeds the query, ranks by cosine similarity, applies filters as a
// post-filter and returns at most topK results. Systemic embedding or index
// failure degrades to lexical keyword matching rather than failing.
func (e *Engine) Search(ctx context.Context, query string, filters Filters, topK int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", contractx.ErrValidation)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		return nil, fmt.Errorf("%w: top_k=%d exceeds ceiling %d", contractx.ErrValidation, topK, MaxTopK)
	}

	scored, err := e.semanticScores(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("query", query).Msg("semantic search unavailable, using lexical fallback")
		scored = lexicalRank(query, e.ordered)
	}

	scored = e.applyFilters(scored, filters)
	sortResults(scored)
	scored = dedupe(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (e *Engine) semanticScores(ctx context.Context, query string) ([]Result, error) {
	if e.index.empty() {
		return nil, fmt.Errorf("%w: vector index is empty", contractx.ErrSystemic)
	}

	vec, err := retryx.DoWithData(ctx, "embedding.embed", func(ctx context.Context) ([]float64, error) {
		return e.embedder.Embed(ctx, query)
	}, e.retry)
	if err != nil {
		return nil, err
	}
	if len(vec) != e.index.dim {
		return nil, fmt.Errorf("%w: embedding dimension %d does not match index dimension %d",
			contractx.ErrSystemic, len(vec), e.index.dim)
	}

	return e.index.scoreAll(vec), nil
}

func (e *Engine) applyFilters(results []Result, filters Filters) []Result {
	out := results[:0]
	for _, r := range results {
		p, ok := e.products[r.ItemID]
		if !ok {
			continue
		}
		if filters.MinPrice > 0 && p.Price < filters.MinPrice {
			continue
		}
		if filters.MaxPrice > 0 && p.Price > filters.MaxPrice {
			continue
		}
		if filters.Category != "" && !strings.EqualFold(filters.Category, p.Category) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ItemID < results[j].ItemID
	})
}

func dedupe(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	out := results[:0]
	for _, r := range results {
		if seen[r.ItemID] {
			continue
		}
		seen[r.ItemID] = true
		out = append(out, r)
	}
	return out
}

// Package memory extracts durable user facts from finished conversations
// and recalls them into new ones. Memory is an enhancement: recall degrades
// to empty rather than blocking the response path.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	contractx "github.com/pakin-t/deskflow/agent/contract"
)

const (
	defaultHalfLife = 30 * 24 * time.Hour

	recencyWeight   = 0.4
	relevanceWeight = 0.6
)

// Backend is the persistence contract for facts. Appends must be safe for
// concurrent use keyed by user id.
type Backend interface {
	Append(ctx context.Context, facts []Fact) error
	FactsForUser(ctx context.Context, userID string) ([]Fact, error)
}

type Store struct {
	backend  Backend
	halfLife time.Duration
	now      func() time.Time
}

type StoreOption func(*Store)

func WithHalfLife(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.halfLife = d
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(backend Backend, opts ...StoreOption) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: memory backend is required", contractx.ErrValidation)
	}
	s := &Store{
		backend:  backend,
		halfLife: defaultHalfLife,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Append(ctx context.Context, facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.backend.Append(ctx, facts)
}

// Recall returns at most limit facts ranked by a blend of recency and
// textual relevance to the query.
func (s *Store) Recall(ctx context.Context, userID, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facts, err := s.backend.FactsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	queryTokens := uniqueTokens(query)
	now := s.now().UTC()

	type scored struct {
		fact  Fact
		score float64
	}
	ranked := make([]scored, 0, len(facts))
	for _, f := range facts {
		age := now.Sub(f.ExtractedAt.UTC())
		recency := math.Exp2(-float64(age) / float64(s.halfLife))
		relevance := overlapFraction(queryTokens, f.Statement)
		ranked = append(ranked, scored{
			fact:  f,
			score: recencyWeight*recency + relevanceWeight*relevance,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if !ranked[i].fact.ExtractedAt.Equal(ranked[j].fact.ExtractedAt) {
			return ranked[i].fact.ExtractedAt.After(ranked[j].fact.ExtractedAt)
		}
		return ranked[i].fact.ID < ranked[j].fact.ID
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Fact, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.fact)
	}
	return out, nil
}

func overlapFraction(queryTokens []string, statement string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	statementTokens := make(map[string]bool)
	for _, tok := range uniqueTokens(statement) {
		statementTokens[tok] = true
	}
	hits := 0
	for _, tok := range queryTokens {
		if statementTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// InMemoryBackend is the default append-only backend.
type InMemoryBackend struct {
	mu     sync.RWMutex
	byUser map[string][]Fact
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{byUser: make(map[string][]Fact)}
}

func (b *InMemoryBackend) Append(ctx context.Context, facts []Fact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range facts {
		b.byUser[f.UserID] = append(b.byUser[f.UserID], f)
	}
	return nil
}

func (b *InMemoryBackend) FactsForUser(ctx context.Context, userID string) ([]Fact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	facts := b.byUser[userID]
	out := make([]Fact, len(facts))
	copy(out, facts)
	return out, nil
}

// Package retrieval ranks stored messages by semantic closeness to a query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/kalambet/aigis/internal/breaker"
	"github.com/kalambet/aigis/internal/embedding"
	"github.com/kalambet/aigis/internal/storage"
)

const (
	DefaultLimit     = 5
	DefaultThreshold = float32(0.7)
)

// ErrInvalidThreshold is returned for a NaN threshold, which no score can be
// compared against.
var ErrInvalidThreshold = errors.New("retrieval: threshold is NaN")

// Query describes one search.
type Query struct {
	Text string
	// ChannelID restricts the search to one channel when non-empty.
	ChannelID string
	// Limit <= 0 means DefaultLimit.
	Limit int
	// Threshold is the minimum score kept, inclusive.
	Threshold float32
}

// Result is a matched message and its cosine score.
type Result struct {
	Message storage.Message
	Score   float32
}

// MessageLoader fetches full messages for ranked ids.
type MessageLoader interface {
	MessagesByID(ctx context.Context, ids []int64) ([]storage.Message, error)
}

// SearcherOption customises a Searcher.
type SearcherOption func(*Searcher)

// WithCache enables the query-embedding cache.
func WithCache(c *QueryCache) SearcherOption {
	return func(s *Searcher) { s.cache = c }
}

// WithLogger sets the searcher logger.
func WithLogger(l *slog.Logger) SearcherOption {
	return func(s *Searcher) { s.logger = l }
}

// Searcher embeds queries and ranks stored messages against them.
type Searcher struct {
	embedder embedding.Provider
	index    Index
	loader   MessageLoader
	cache    *QueryCache
	logger   *slog.Logger
}

// NewSearcher creates a Searcher. embedder should already be guarded by the
// embedding breaker.
func NewSearcher(embedder embedding.Provider, index Index, loader MessageLoader, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		embedder: embedder,
		index:    index,
		loader:   loader,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns messages with score >= q.Threshold, best first (ties broken
// by most recent), at most q.Limit of them. When the query cannot be embedded
// the result is empty and err is nil; the cause is only logged. Storage
// failures are returned.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	if math.IsNaN(float64(q.Threshold)) {
		return nil, ErrInvalidThreshold
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	vec, ok := s.queryEmbedding(ctx, q.Text)
	if !ok {
		return nil, nil
	}

	cands, err := s.index.Candidates(ctx, vec, q.ChannelID, q.Threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("ranking candidates: %w", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	msgs, err := s.loader.MessagesByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading matched messages: %w", err)
	}
	byID := make(map[int64]storage.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		m, ok := byID[c.ID]
		if !ok || c.Score < q.Threshold {
			continue
		}
		if q.ChannelID != "" && m.ChannelID != q.ChannelID {
			continue
		}
		results = append(results, Result{Message: m, Score: c.Score})
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Searcher) queryEmbedding(ctx context.Context, text string) ([]float32, bool) {
	if s.cache != nil {
		if vec, ok := s.cache.Get(text); ok {
			return vec, true
		}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		switch {
		case errors.Is(err, embedding.ErrEmptyInput):
		case errors.Is(err, breaker.ErrOpen):
			s.logger.Warn("search skipped: embedding circuit open", "error", err)
		default:
			s.logger.Warn("embedding search query failed", "permanent", embedding.IsPermanent(err), "error", err)
		}
		return nil, false
	}
	if s.cache != nil {
		s.cache.Put(text, vec)
	}
	return vec, true
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a := Candidate{ID: results[i].Message.ID, CreatedAt: results[i].Message.CreatedAt, Score: results[i].Score}
		b := Candidate{ID: results[j].Message.ID, CreatedAt: results[j].Message.CreatedAt, Score: results[j].Score}
		return ranksBefore(a, b)
	})
}

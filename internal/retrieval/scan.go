package retrieval

import (
	"container/heap"
	"context"
	"math"
	"time"

	"github.com/kalambet/aigis/internal/storage"
)

// Candidate is a scored message id produced by an Index.
type Candidate struct {
	ID        int64
	CreatedAt time.Time
	Score     float32
}

// Index ranks stored embeddings against a query vector. Implementations
// return up to limit candidates with Score >= threshold; the Searcher
// applies the final ordering.
type Index interface {
	Candidates(ctx context.Context, query []float32, channelID string, threshold float32, limit int) ([]Candidate, error)
}

// EmbeddingScanner streams stored embeddings.
type EmbeddingScanner interface {
	ScanEmbeddings(ctx context.Context, channelID string, fn func(row storage.EmbeddingRow) error) error
}

// ScanIndex ranks by brute-force cosine similarity over every stored
// embedding. Adequate up to low tens of thousands of rows.
type ScanIndex struct {
	store EmbeddingScanner
}

// NewScanIndex wraps a store for brute-force ranking.
func NewScanIndex(store EmbeddingScanner) *ScanIndex {
	return &ScanIndex{store: store}
}

// Candidates scans id + embedding only and keeps the best limit rows in a
// heap. Full messages are loaded by the Searcher for the winners alone.
func (s *ScanIndex) Candidates(ctx context.Context, query []float32, channelID string, threshold float32, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	queryNorm := norm(query)

	h := &candidateHeap{}
	err := s.store.ScanEmbeddings(ctx, channelID, func(row storage.EmbeddingRow) error {
		score := cosineWithNorm(query, row.Embedding, queryNorm)
		if score < threshold {
			return nil
		}
		c := Candidate{ID: row.ID, CreatedAt: row.CreatedAt, Score: score}
		if h.Len() < limit {
			heap.Push(h, c)
		} else if ranksBefore(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out, nil
}

// Cosine returns dot(a,b) / (|a|*|b|), or 0 when either vector has zero
// magnitude or the lengths differ.
func Cosine(a, b []float32) float32 {
	return cosineWithNorm(a, b, norm(a))
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosineWithNorm is Cosine with the L2 norm of a precomputed.
func cosineWithNorm(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// ranksBefore orders by score descending, then recency, then id descending
// so equal scores and timestamps still have a stable order.
func ranksBefore(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// candidateHeap is a min-heap whose root is the worst-ranked candidate.
type candidateHeap []Candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// HashProvider generates deterministic unit vectors from a text hash. It
// makes no network calls; identical texts always map to identical vectors.
// Useful offline and in tests, not for semantic quality.
type HashProvider struct {
	dimensions int
}

// NewHashProvider creates a HashProvider producing vectors of the given size.
func NewHashProvider(dimensions int) *HashProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashProvider{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text.
func (h *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	f := fnv.New64a()
	f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dimensions)
	var norm float64
	for i := range vec {
		// LCG step mapped to [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (h *HashProvider) Dimensions() int { return h.dimensions }

var _ Provider = (*HashProvider)(nil)

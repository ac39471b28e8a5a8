package embedding

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/aigis/internal/breaker"
)

// Guarded wraps a Provider with a circuit breaker and a dimension check.
// Every call to the underlying provider goes through the breaker; a vector of
// the wrong length counts as a provider failure.
type Guarded struct {
	provider  Provider
	breaker   *breaker.Breaker
	dimension int
}

// NewGuarded returns a guarded provider. A dimension of 0 disables the check.
func NewGuarded(p Provider, b *breaker.Breaker, dimension int) *Guarded {
	return &Guarded{provider: p, breaker: b, dimension: dimension}
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *breaker.Breaker { return g.breaker }

// Dimension returns the enforced vector length, or 0.
func (g *Guarded) Dimension() int { return g.dimension }

// Embed returns the embedding for text. Empty input yields ErrEmptyInput
// without consulting the breaker. When the breaker is open the returned error
// matches breaker.ErrOpen.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	return breaker.Call(ctx, g.breaker, func(ctx context.Context) ([]float32, error) {
		vec, err := g.provider.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) == 0 || (g.dimension > 0 && len(vec) != g.dimension) {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), g.dimension)
		}
		return vec, nil
	})
}

// BatchConcurrency bounds parallel provider calls in EmbedBatch.
const BatchConcurrency = 4

// EmbedBatch embeds texts concurrently. vecs[i] and errs[i] belong to
// texts[i]; one failure does not stop the others. Cancelling ctx fails the
// texts not yet started.
func EmbedBatch(ctx context.Context, p Provider, texts []string) (vecs [][]float32, errs []error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs = make([][]float32, len(texts))
	errs = make([]error, len(texts))

	var g errgroup.Group
	g.SetLimit(BatchConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			vecs[i], errs[i] = p.Embed(ctx, text)
			return nil
		})
	}
	g.Wait()
	return vecs, errs
}

var _ Provider = (*Guarded)(nil)

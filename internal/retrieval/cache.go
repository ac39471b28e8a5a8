package retrieval

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// QueryCache memoises query embeddings so repeated searches do not hit the
// provider again. Entries are costed by vector length.
type QueryCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewQueryCache creates a cache holding roughly maxVectors vectors of the
// given dimension. A ttl of 0 keeps entries until evicted.
func NewQueryCache(maxVectors, dimension int, ttl time.Duration) (*QueryCache, error) {
	if maxVectors <= 0 {
		maxVectors = 1024
	}
	if dimension <= 0 {
		dimension = 1
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxVectors) * 10,
		MaxCost:     int64(maxVectors) * int64(dimension),
		BufferItems: 64,
		// Cost is the vector length alone.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &QueryCache{cache: c, ttl: ttl}, nil
}

// Get returns the cached embedding for text.
func (q *QueryCache) Get(text string) ([]float32, bool) {
	v, ok := q.cache.Get(text)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

// Put stores vec for text and waits until it is visible to Get.
func (q *QueryCache) Put(text string, vec []float32) {
	if q.ttl > 0 {
		q.cache.SetWithTTL(text, vec, int64(len(vec)), q.ttl)
	} else {
		q.cache.Set(text, vec, int64(len(vec)))
	}
	q.cache.Wait()
}

// Close stops the cache's background goroutines.
func (q *QueryCache) Close() { q.cache.Close() }

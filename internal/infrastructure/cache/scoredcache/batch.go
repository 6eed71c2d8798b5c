package scoredcache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

// BulkFetch resolves a chunk of inputs. It must return one value per input, in order.
type BulkFetch[In any, V any] func(ctx context.Context, inputs []In) ([]V, error)

type BatchConfig struct {
	BatchSize int
	Workers   int
	TTL       time.Duration
}

// BatchCache memoizes a bulk call: only misses are sent upstream, results come back in input order.
type BatchCache[In any, K comparable, V any] struct {
	cache *Cache[K, V]
	key   func(In) K
	fetch BulkFetch[In, V]
	cfg   BatchConfig
}

func NewBatchCache[In any, K comparable, V any](
	cache *Cache[K, V],
	key func(In) K,
	fetch BulkFetch[In, V],
	cfg BatchConfig,
) *BatchCache[In, K, V] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &BatchCache[In, K, V]{cache: cache, key: key, fetch: fetch, cfg: cfg}
}

func (b *BatchCache[In, K, V]) Get(ctx context.Context, inputs []In) ([]V, error) {
	out := make([]V, len(inputs))
	if len(inputs) == 0 {
		return out, nil
	}

	// positions of each missing key; duplicates are fetched once.
	missPositions := make(map[K][]int)
	missInputs := make([]In, 0, len(inputs))
	missKeys := make([]K, 0, len(inputs))
	for i, in := range inputs {
		k := b.key(in)
		if v, ok := b.cache.Get(k); ok {
			out[i] = v
			continue
		}
		if _, seen := missPositions[k]; !seen {
			missInputs = append(missInputs, in)
			missKeys = append(missKeys, k)
		}
		missPositions[k] = append(missPositions[k], i)
	}
	if len(missInputs) == 0 {
		return out, nil
	}

	chunks := chunkRanges(len(missInputs), b.cfg.BatchSize)
	fetched := make([][]V, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for idx, r := range chunks {
		g.Go(func() error {
			values, err := b.fetch(gctx, missInputs[r[0]:r[1]])
			if err != nil {
				return err
			}
			if len(values) != r[1]-r[0] {
				return domain.WrapError(domain.ErrMalformedPayload, "batch cache fetch",
					fmt.Errorf("expected %d values, got %d", r[1]-r[0], len(values)))
			}
			fetched[idx] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for idx, r := range chunks {
		for j, v := range fetched[idx] {
			k := missKeys[r[0]+j]
			b.cache.Set(k, v, b.cfg.TTL)
			for _, pos := range missPositions[k] {
				out[pos] = v
			}
		}
	}
	return out, nil
}

func chunkRanges(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const defaultFixedTableThreshold = 0.8

type fixedTableMatch struct {
	Title string
	Key   string
	Score float64
	Edit  float64
}

// fixedTableMatcher maps a single question keyword onto a canonical statement line item.
type fixedTableMatcher struct {
	tables    []domain.FixedTable
	keys      []string
	embedder  ports.Embedder
	dimension int
	threshold float64
}

func newFixedTableMatcher(tables []domain.FixedTable, embedder ports.Embedder, dimension int, threshold float64) *fixedTableMatcher {
	if len(tables) == 0 {
		tables = domain.DefaultFixedTables()
	}
	if threshold <= 0 {
		threshold = defaultFixedTableThreshold
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, t := range tables {
		for _, k := range t.Keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return &fixedTableMatcher{tables: tables, keys: keys, embedder: embedder, dimension: dimension, threshold: threshold}
}

// match takes the embedding top-1 over the vocabulary. Both the cosine similarity and the
// normalised edit similarity must reach the threshold.
func (m *fixedTableMatcher) match(ctx context.Context, keyword string) (fixedTableMatch, bool, error) {
	if keyword == "" || len(m.keys) == 0 {
		return fixedTableMatch{}, false, nil
	}
	// vocabulary vectors are memoized by the embedder's cache.
	texts := append([]string{keyword}, m.keys...)
	vectors, err := m.embedder.Embed(ctx, texts, m.dimension)
	if err != nil {
		return fixedTableMatch{}, false, fmt.Errorf("embed fixed-table vocabulary: %w", err)
	}
	if len(vectors) != len(texts) {
		return fixedTableMatch{}, false, domain.WrapError(domain.ErrMalformedPayload, "embed fixed-table vocabulary",
			fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}

	best, bestScore := -1, 0.0
	for i, v := range vectors[1:] {
		score := cosine(vectors[0], v)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	key := m.keys[best]
	result := fixedTableMatch{Key: key, Score: bestScore, Edit: editSimilarity(key, keyword)}
	if result.Score < m.threshold || result.Edit < m.threshold {
		return result, false, nil
	}
	title, ok := domain.MatchFixedTable(m.tables, key)
	if !ok {
		return result, false, nil
	}
	result.Title = title
	return result, true, nil
}

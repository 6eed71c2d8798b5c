package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

var errInvalidOrigin = errors.New("origin holds neither a fragment nor a table row")

const (
	stageQuestionRerank = "question_rerank"
	fixedTableScore     = 1.0
)

type CoarseRankConfig struct {
	BatchSize    int
	Workers      int
	MinRelevance float64
	MinKeep      int
}

func (c CoarseRankConfig) withDefaults() CoarseRankConfig {
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.3
	}
	if c.MinKeep <= 0 {
		c.MinKeep = 5
	}
	return c
}

// CoarseRanker scores candidates against the question, folds overlapping spans and
// computes the pre-generation score.
type CoarseRanker struct {
	scorer *batchScorer
	logger *slog.Logger
	cfg    CoarseRankConfig
}

func NewCoarseRanker(reranker ports.Reranker, observer ports.PipelineObserver, logger *slog.Logger, cfg CoarseRankConfig) *CoarseRanker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &CoarseRanker{
		scorer: newBatchScorer(reranker, observer, logger, cfg.BatchSize, cfg.Workers),
		logger: logger,
		cfg:    cfg,
	}
}

// CoarseRankResult is the ranked candidate list; Degraded is set when relevance scoring was skipped.
type CoarseRankResult struct {
	Candidates []*domain.RetrieveContext
	Degraded   bool
}

// Rank assumes the tree already holds every fragment and content item the candidates reference.
func (r *CoarseRanker) Rank(
	ctx context.Context,
	correlationID string,
	query string,
	tree *FragmentTree,
	fixed []*domain.RetrieveContext,
	candidates []*domain.RetrieveContext,
) CoarseRankResult {
	result := CoarseRankResult{}

	originalRank := make(map[*domain.RetrieveContext]int, len(candidates))
	scored := make([]*domain.RetrieveContext, 0, len(candidates))
	for i, c := range candidates {
		originalRank[c] = i
		if strings.TrimSpace(c.Origin.EmbedText()) == "" {
			continue
		}
		scored = append(scored, c)
	}

	groups := make([][]string, len(scored))
	for i, c := range scored {
		groups[i] = []string{rerankText(c)}
	}
	relevance, err := r.scorer.maxScores(ctx, correlationID, stageQuestionRerank, query, groups)
	if err != nil {
		r.logger.Warn("rerank_degraded",
			"correlation_id", correlationID,
			"stage", stageQuestionRerank,
			"error", err,
		)
		result.Degraded = true
		if len(relevance) != len(scored) {
			relevance = make([]float64, len(scored))
		}
	}

	assembled := make([]*domain.RetrieveContext, 0, len(scored))
	for i, c := range scored {
		if math.IsNaN(relevance[i]) {
			r.skip(correlationID, c, domain.ErrMalformedPayload)
			continue
		}
		c.RelevanceScore = relevance[i]
		if err := assembleCandidate(tree, c); err != nil {
			r.skip(correlationID, c, err)
			continue
		}
		assembled = append(assembled, c)
	}

	sort.SliceStable(assembled, func(i, j int) bool {
		return assembled[i].RelevanceScore > assembled[j].RelevanceScore
	})
	survivors := foldOverlaps(nil, assembled)
	scoreComposite(survivors, originalRank)
	survivors = applyRelevanceFloor(survivors, r.cfg.MinRelevance, r.cfg.MinKeep)
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].PreScore > survivors[j].PreScore
	})

	out := make([]*domain.RetrieveContext, 0, len(fixed)+len(survivors))
	for _, c := range fixed {
		if err := assembleCandidate(tree, c); err != nil {
			r.skip(correlationID, c, err)
			continue
		}
		c.RelevanceScore = fixedTableScore
		c.PreScore = fixedTableScore
		out = append(out, c)
	}
	result.Candidates = append(out, survivors...)
	return result
}

func (r *CoarseRanker) skip(correlationID string, c *domain.RetrieveContext, err error) {
	r.logger.Warn("candidate_skipped",
		"correlation_id", correlationID,
		"origin_id", c.Origin.ID(),
		"file_id", c.FileID(),
		"error", err,
	)
}

func rerankText(c *domain.RetrieveContext) string {
	if c.Origin.Kind == domain.OriginTableRow && c.Origin.Row != nil {
		return cleanRerankText(tableRerankText(c.Origin.Row.Keywords))
	}
	return cleanRerankText(c.Origin.EmbedText())
}

// assembleCandidate fills the locator set and texts from the request tree.
func assembleCandidate(tree *FragmentTree, c *domain.RetrieveContext) error {
	switch c.Origin.Kind {
	case domain.OriginFragment:
		f, ok := tree.Get(c.Origin.ID())
		if !ok {
			f = c.Origin.Fragment
		}
		locators, err := tree.AssembleLocators(f)
		if err != nil {
			return err
		}
		text, err := tree.AssembleText(f)
		if err != nil {
			return err
		}
		all, err := tree.AssembleAllTexts(f)
		if err != nil {
			return err
		}
		c.Origin = domain.FragmentOrigin(f)
		c.LocatorOverride = locators
		c.Text = text
		c.AllTexts = all
		return nil
	case domain.OriginTableRow:
		row := c.Origin.Row
		parts := make([]string, 0, len(row.Locators))
		for _, l := range row.Locators {
			text, err := tree.ContentText(row.FileID, []string{l})
			if err != nil {
				return err
			}
			parts = append(parts, text)
		}
		c.LocatorOverride = domain.SortedLocatorSet(row.Locators)
		c.Text = strings.Join(parts, "\n")
		return nil
	default:
		return domain.WrapError(domain.ErrMalformedPayload, "assemble candidate", errInvalidOrigin)
	}
}

// foldOverlaps appends each candidate to kept unless it shares a locator with an
// already-kept candidate of the same file, in which case it joins that candidate's related list.
func foldOverlaps(kept, candidates []*domain.RetrieveContext) []*domain.RetrieveContext {
	for _, c := range candidates {
		if owner := firstOverlap(kept, c); owner != nil {
			owner.Related = append(owner.Related, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func firstOverlap(kept []*domain.RetrieveContext, c *domain.RetrieveContext) *domain.RetrieveContext {
	for _, k := range kept {
		if k.Intersects(c) {
			return k
		}
	}
	return nil
}

// scoreComposite averages relevance share, repeat probability and inverse-rank share.
func scoreComposite(survivors []*domain.RetrieveContext, originalRank map[*domain.RetrieveContext]int) {
	if len(survivors) == 0 {
		return
	}
	counts := make([]float64, len(survivors))
	relevance := make([]float64, len(survivors))
	inverse := make([]float64, len(survivors))
	for i, c := range survivors {
		counts[i] = float64(c.HitCount())
		relevance[i] = c.RelevanceScore
		inverse[i] = 1.0 / float64(originalRank[c]+1)
	}
	repeat := softmax(counts)
	relSum, invSum := sum(relevance), sum(inverse)

	for i, c := range survivors {
		c.RepeatScore = repeat[i]
		relShare := 0.0
		if relSum > 0 {
			relShare = relevance[i] / relSum
		}
		c.PreScore = (relShare + repeat[i] + inverse[i]/invSum) / 3
	}
}

// applyRelevanceFloor drops weak candidates only when enough strong ones remain.
func applyRelevanceFloor(candidates []*domain.RetrieveContext, minRelevance float64, minKeep int) []*domain.RetrieveContext {
	strong := make([]*domain.RetrieveContext, 0, len(candidates))
	for _, c := range candidates {
		if c.RelevanceScore >= minRelevance {
			strong = append(strong, c)
		}
	}
	if len(strong) > minKeep {
		return strong
	}
	return candidates
}

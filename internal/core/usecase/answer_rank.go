package usecase

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const stageAnswerRerank = "answer_rerank"

var (
	answerPunctuation = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	negativeAnswer    = regexp.MustCompile(`^(无|空|不知道|很抱歉)$`)
)

type AnswerRankConfig struct {
	BatchSize      int
	Workers        int
	TopP           float64
	MaxAnswerChars int
	ShortAnswer    int
	AnswerWeight   float64
}

func (c AnswerRankConfig) withDefaults() AnswerRankConfig {
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.MaxAnswerChars <= 0 {
		c.MaxAnswerChars = 350
	}
	if c.ShortAnswer <= 0 {
		c.ShortAnswer = 5
	}
	if c.AnswerWeight <= 0 || c.AnswerWeight > 1 {
		c.AnswerWeight = 0.7
	}
	return c
}

// AnswerRanker rescores assembled candidates against the generated answer.
type AnswerRanker struct {
	scorer *batchScorer
	logger *slog.Logger
	cfg    AnswerRankConfig
}

func NewAnswerRanker(reranker ports.Reranker, observer ports.PipelineObserver, logger *slog.Logger, cfg AnswerRankConfig) *AnswerRanker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &AnswerRanker{
		scorer: newBatchScorer(reranker, observer, logger, cfg.BatchSize, cfg.Workers),
		logger: logger,
		cfg:    cfg,
	}
}

type AnswerRankResult struct {
	Candidates []*domain.RetrieveContext
	Skipped    bool
	Degraded   bool
}

func (r *AnswerRanker) Rank(ctx context.Context, correlationID, question, answer string, candidates []*domain.RetrieveContext) AnswerRankResult {
	if len(candidates) == 0 {
		return AnswerRankResult{Skipped: true}
	}
	candidates = detachCandidates(candidates)
	prepared, ok := prepareAnswer(question, answer, r.cfg.ShortAnswer)
	if !ok {
		r.logger.Info("answer_rerank_skipped", "correlation_id", correlationID, "reason", "negative_answer")
		return AnswerRankResult{Candidates: candidates, Skipped: true}
	}

	if len(candidates) == 1 {
		candidates[0].AnswerScore = 1.0
		return AnswerRankResult{Candidates: candidates}
	}

	prepared = truncateRunes(prepared, r.cfg.MaxAnswerChars)
	groups := make([][]string, len(candidates))
	for i, c := range candidates {
		groups[i] = c.AnswerTexts()
	}
	scores, err := r.scorer.maxScores(ctx, correlationID, stageAnswerRerank, prepared, groups)
	if err != nil {
		r.logger.Warn("rerank_degraded",
			"correlation_id", correlationID,
			"stage", stageAnswerRerank,
			"error", err,
		)
		return AnswerRankResult{Candidates: candidates, Degraded: true}
	}

	valid := make([]*domain.RetrieveContext, 0, len(candidates))
	validScores := make([]float64, 0, len(candidates))
	for i, c := range candidates {
		if math.IsNaN(scores[i]) {
			r.logger.Warn("candidate_skipped",
				"correlation_id", correlationID,
				"origin_id", c.Origin.ID(),
				"stage", stageAnswerRerank,
				"error", domain.ErrMalformedPayload,
			)
			continue
		}
		valid = append(valid, c)
		validScores = append(validScores, scores[i])
	}

	total := sum(validScores)
	for i, c := range valid {
		norm := 0.0
		if total > 0 {
			norm = validScores[i] / total
		}
		c.AnswerScore = round4(r.cfg.AnswerWeight*norm + (1-r.cfg.AnswerWeight)*c.PreScore)
	}
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].AnswerScore > valid[j].AnswerScore
	})
	return AnswerRankResult{Candidates: topP(valid, r.cfg.TopP, (*domain.RetrieveContext).FinalScore)}
}

// detachCandidates copies the candidates with answer scores cleared, leaving the
// caller's slice and its elements untouched.
func detachCandidates(in []*domain.RetrieveContext) []*domain.RetrieveContext {
	out := make([]*domain.RetrieveContext, len(in))
	for i, c := range in {
		cp := *c
		cp.AnswerScore = 0
		out[i] = &cp
	}
	return out
}

// prepareAnswer drops a leading attribution clause, rejects negative replies and
// prefixes very short answers with the question.
func prepareAnswer(question, answer string, shortAnswer int) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", false
	}
	if first, _, _ := strings.Cut(answer, "，"); strings.Contains(first, "根据") {
		answer = strings.TrimSpace(strings.ReplaceAll(answer, first, ""))
		answer = strings.TrimPrefix(answer, "，")
	}
	bare := answerPunctuation.ReplaceAllString(answer, "")
	if negativeAnswer.MatchString(bare) || strings.TrimSpace(bare) == "" {
		return "", false
	}
	if utf8.RuneCountInString(answer) <= shortAnswer {
		answer = question + " " + answer
	}
	return answer, true
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

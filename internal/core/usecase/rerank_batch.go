package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const (
	defaultRerankBatchSize = 16
	defaultRerankWorkers   = 8
)

// batchScorer fans cross-encoder calls out in fixed-size batches and reassembles them in input order.
type batchScorer struct {
	reranker  ports.Reranker
	observer  ports.PipelineObserver
	logger    *slog.Logger
	batchSize int
	workers   int
}

func newBatchScorer(reranker ports.Reranker, observer ports.PipelineObserver, logger *slog.Logger, batchSize, workers int) *batchScorer {
	if batchSize <= 0 {
		batchSize = defaultRerankBatchSize
	}
	if workers <= 0 {
		workers = defaultRerankWorkers
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &batchScorer{reranker: reranker, observer: observer, logger: logger, batchSize: batchSize, workers: workers}
}

// maxScores scores every text of every group against query and returns the best sigmoid
// score per group. A group whose texts all came back malformed scores NaN. Texts in a
// failed batch score zero and the batch errors are returned alongside the scores.
func (s *batchScorer) maxScores(ctx context.Context, correlationID, stage, query string, groups [][]string) ([]float64, error) {
	flat := make([]string, 0, len(groups))
	owner := make([]int, 0, len(groups))
	for gi, texts := range groups {
		for _, text := range texts {
			flat = append(flat, text)
			owner = append(owner, gi)
		}
	}

	out := make([]float64, len(groups))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(flat) == 0 {
		return out, nil
	}

	scores, err := s.scoreFlat(ctx, correlationID, stage, query, flat)
	for i, score := range scores {
		if math.IsNaN(score) {
			continue
		}
		gi := owner[i]
		if math.IsNaN(out[gi]) || score > out[gi] {
			out[gi] = score
		}
	}
	return out, err
}

func (s *batchScorer) scoreFlat(ctx context.Context, correlationID, stage, query string, texts []string) ([]float64, error) {
	chunks := chunkRanges(len(texts), s.batchSize)
	results := make([][]float64, len(chunks))
	failures := make([]error, len(chunks))

	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for idx, r := range chunks {
		g.Go(func() error {
			if err := s.scoreChunk(ctx, correlationID, stage, query, idx, texts[r[0]:r[1]], results); err != nil {
				failures[idx] = err
				results[idx] = make([]float64, r[1]-r[0])
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]float64, 0, len(texts))
	for _, chunk := range results {
		out = append(out, chunk...)
	}
	return out, errors.Join(failures...)
}

func (s *batchScorer) scoreChunk(ctx context.Context, correlationID, stage, query string, idx int, texts []string, results [][]float64) error {
	logits, err := s.reranker.Score(ctx, query, texts)
	s.observer.ObserveRerankBatch(stage, len(texts), err)
	if err != nil {
		s.logger.Warn("rerank_batch_failed",
			"correlation_id", correlationID,
			"stage", stage,
			"batch", idx,
			"size", len(texts),
			"error", err,
		)
		return fmt.Errorf("rerank batch %d: %w", idx, err)
	}

	scores := make([]float64, len(texts))
	if len(logits) != len(texts) {
		s.logger.Warn("rerank_batch_malformed",
			"correlation_id", correlationID,
			"stage", stage,
			"batch", idx,
			"error", domain.WrapError(domain.ErrMalformedPayload, "rerank batch",
				fmt.Errorf("expected %d scores, got %d", len(texts), len(logits))),
		)
		for i := range scores {
			scores[i] = math.NaN()
		}
		results[idx] = scores
		return nil
	}
	for i, logit := range logits {
		if math.IsNaN(logit) || math.IsInf(logit, 0) {
			scores[i] = math.NaN()
			continue
		}
		scores[i] = sigmoid(logit)
	}
	results[idx] = scores
	return nil
}

func chunkRanges(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

type noopObserver struct{}

func (noopObserver) ObserveChannel(string, int, bool)      {}
func (noopObserver) ObserveStage(string, float64)          {}
func (noopObserver) ObserveRerankBatch(string, int, error) {}

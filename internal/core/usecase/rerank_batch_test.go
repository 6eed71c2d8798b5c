package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

type recordingObserver struct {
	mu       sync.Mutex
	batches  map[string]int
	failures int
	stages   []string
	channels map[string]bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{batches: make(map[string]int), channels: make(map[string]bool)}
}

func (o *recordingObserver) ObserveChannel(channel string, _ int, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.channels[channel] = degraded
}

func (o *recordingObserver) ObserveStage(stage string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) ObserveRerankBatch(stage string, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches[stage]++
	if err != nil {
		o.failures++
	}
}

func TestMaxScoresKeepsInputOrderAcrossBatches(t *testing.T) {
	groups := make([][]string, 40)
	for i := range groups {
		groups[i] = []string{"t" + strconv.Itoa(i)}
	}
	reranker := &fakeReranker{scoreFn: func(_, text string) float64 {
		n, _ := strconv.Atoi(strings.TrimPrefix(text, "t"))
		return float64(n) / 10
	}}
	observer := newRecordingObserver()
	scorer := newBatchScorer(reranker, observer, nil, 16, 4)

	scores, err := scorer.maxScores(context.Background(), "corr", "stage", "q", groups)
	if err != nil {
		t.Fatalf("maxScores() error = %v", err)
	}
	for i, s := range scores {
		if math.Abs(s-sigmoid(float64(i)/10)) > 1e-12 {
			t.Fatalf("score %d out of order: %f", i, s)
		}
	}
	if fmt.Sprint(sortedInts(reranker.sizes)) != "[8 16 16]" {
		t.Fatalf("unexpected batch sizes %v", reranker.sizes)
	}
	if observer.batches["stage"] != 3 {
		t.Fatalf("expected three observed batches, got %d", observer.batches["stage"])
	}
}

func TestMaxScoresTakesBestTextPerGroup(t *testing.T) {
	reranker := &fakeReranker{scoreFn: func(_, text string) float64 {
		return float64(len(text))
	}}
	scorer := newBatchScorer(reranker, nil, nil, 2, 2)
	scores, err := scorer.maxScores(context.Background(), "corr", "stage", "q", [][]string{{"a", "abc", "ab"}, {}, {"abcd"}})
	if err != nil {
		t.Fatalf("maxScores() error = %v", err)
	}
	if scores[0] != sigmoid(3) || scores[2] != sigmoid(4) {
		t.Fatalf("unexpected group maxima %v", scores)
	}
	if !math.IsNaN(scores[1]) {
		t.Fatalf("expected NaN for a group without texts")
	}
}

type shortReranker struct{}

func (shortReranker) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	return make([]float64, len(texts)-1), nil
}

func TestMaxScoresMarksMalformedBatchesNaN(t *testing.T) {
	scorer := newBatchScorer(shortReranker{}, nil, nil, 2, 1)
	scores, err := scorer.maxScores(context.Background(), "corr", "stage", "q", [][]string{{"a"}, {"b"}})
	if err != nil {
		t.Fatalf("maxScores() error = %v", err)
	}
	if !math.IsNaN(scores[0]) || !math.IsNaN(scores[1]) {
		t.Fatalf("expected NaN scores, got %v", scores)
	}
}

func TestMaxScoresPropagatesRerankErrors(t *testing.T) {
	observer := newRecordingObserver()
	scorer := newBatchScorer(&fakeReranker{err: errUpstream}, observer, nil, 4, 2)
	_, err := scorer.maxScores(context.Background(), "corr", "stage", "q", [][]string{{"a"}, {"b"}})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if observer.failures == 0 {
		t.Fatalf("expected failure observed")
	}
}

// brokenBatchReranker fails every batch that contains a text marked "broken".
type brokenBatchReranker struct{}

func (brokenBatchReranker) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, text := range texts {
		if strings.Contains(text, "broken") {
			return nil, errUpstream
		}
		out[i] = 2
	}
	return out, nil
}

func TestMaxScoresIsolatesFailedBatch(t *testing.T) {
	groups := make([][]string, 20)
	for i := range groups {
		groups[i] = []string{"ok " + strconv.Itoa(i)}
	}
	for i := 16; i < 20; i++ {
		groups[i] = []string{"broken " + strconv.Itoa(i)}
	}
	observer := newRecordingObserver()
	scorer := newBatchScorer(brokenBatchReranker{}, observer, nil, 16, 2)

	scores, err := scorer.maxScores(context.Background(), "corr", "stage", "q", groups)
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected the failed batch reported, got %v", err)
	}
	if len(scores) != 20 {
		t.Fatalf("expected scores for every group, got %d", len(scores))
	}
	for i := 0; i < 16; i++ {
		if scores[i] != sigmoid(2) {
			t.Fatalf("healthy batch score %d = %f", i, scores[i])
		}
	}
	for i := 16; i < 20; i++ {
		if scores[i] != 0 {
			t.Fatalf("failed batch score %d = %f, want 0", i, scores[i])
		}
	}
	if observer.failures != 1 {
		t.Fatalf("expected one failed batch observed, got %d", observer.failures)
	}
}

func TestChunkRanges(t *testing.T) {
	if got := chunkRanges(0, 16); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	if got := fmt.Sprint(chunkRanges(5, 2)); got != "[[0 2] [2 4] [4 5]]" {
		t.Fatalf("unexpected ranges %s", got)
	}
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

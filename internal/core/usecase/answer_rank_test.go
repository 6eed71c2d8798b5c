package usecase

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

func TestPrepareAnswer(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		want   string
		ok     bool
	}{
		{name: "plain", answer: "公司2023年营业收入为900亿元。", want: "公司2023年营业收入为900亿元。", ok: true},
		{name: "attribution clause dropped", answer: "根据文档内容，营业收入为900亿元", want: "营业收入为900亿元", ok: true},
		{name: "negative", answer: "不知道。", ok: false},
		{name: "sorry", answer: "很抱歉！", ok: false},
		{name: "empty", answer: "   ", ok: false},
		{name: "punctuation only", answer: "。。", ok: false},
		{name: "short answer gets question", answer: "900亿", want: "营业收入是多少 900亿", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := prepareAnswer("营业收入是多少", tc.answer, 5)
			if ok != tc.ok {
				t.Fatalf("prepareAnswer(%q) ok = %v, want %v", tc.answer, ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("prepareAnswer(%q) = %q, want %q", tc.answer, got, tc.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("营业收入增长", 4); got != "营业收入" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncateRunes("abc", 4); got != "abc" {
		t.Fatalf("unexpected truncation %q", got)
	}
}

func TestAnswerRankBlendsAnswerAndPreScores(t *testing.T) {
	strong := scored("a", "1", "revenue was 900", 0.2)
	weak := scored("a", "2", "costs fell", 0.8)

	reranker := &fakeReranker{scoreFn: func(_, text string) float64 {
		if strings.Contains(text, "900") {
			return 2
		}
		return -2
	}}
	result := NewAnswerRanker(reranker, nil, nil, AnswerRankConfig{TopP: 1}).
		Rank(context.Background(), "corr", "what was revenue", "Revenue was 900 billion in 2023.", []*domain.RetrieveContext{weak, strong})

	if result.Skipped || result.Degraded {
		t.Fatalf("unexpected result flags %+v", result)
	}
	if len(result.Candidates) != 2 || result.Candidates[0].Origin.ID() != "1" {
		t.Fatalf("expected answer-supported candidate first")
	}
	hi, lo := sigmoid(2), sigmoid(-2)
	wantStrong := round4(0.7*hi/(hi+lo) + 0.3*0.2)
	wantWeak := round4(0.7*lo/(hi+lo) + 0.3*0.8)
	gotStrong, gotWeak := result.Candidates[0].AnswerScore, result.Candidates[1].AnswerScore
	if math.Abs(gotStrong-wantStrong) > 1e-9 || math.Abs(gotWeak-wantWeak) > 1e-9 {
		t.Fatalf("unexpected scores strong=%f (want %f) weak=%f (want %f)", gotStrong, wantStrong, gotWeak, wantWeak)
	}
	if strong.AnswerScore != 0 || weak.AnswerScore != 0 {
		t.Fatalf("expected input candidates left unscored")
	}
}

func TestAnswerRankSingleCandidateScoresOne(t *testing.T) {
	only := scored("a", "1", "text", 0.3)
	reranker := &fakeReranker{}
	result := NewAnswerRanker(reranker, nil, nil, AnswerRankConfig{}).
		Rank(context.Background(), "corr", "q", "a long enough answer", []*domain.RetrieveContext{only})

	if len(result.Candidates) != 1 || result.Candidates[0].AnswerScore != 1.0 {
		t.Fatalf("expected single candidate scored 1.0, got %+v", result.Candidates)
	}
	if only.AnswerScore != 0 {
		t.Fatalf("expected input candidate left unscored")
	}
	if reranker.calls != 0 {
		t.Fatalf("expected no rerank calls, got %d", reranker.calls)
	}
}

func TestAnswerRankSkipsNegativeAnswers(t *testing.T) {
	in := []*domain.RetrieveContext{scored("a", "1", "x", 0.5), scored("a", "2", "y", 0.4)}
	reranker := &fakeReranker{}
	result := NewAnswerRanker(reranker, nil, nil, AnswerRankConfig{}).
		Rank(context.Background(), "corr", "q", "无", in)

	if !result.Skipped || len(result.Candidates) != 2 || reranker.calls != 0 {
		t.Fatalf("expected skip without rerank calls, got %+v calls=%d", result, reranker.calls)
	}
	if in[0].AnswerScore != 0 {
		t.Fatalf("expected scores untouched")
	}
}

func TestAnswerRankDegradesWhenRerankFails(t *testing.T) {
	in := []*domain.RetrieveContext{scored("a", "1", "x", 0.5), scored("a", "2", "y", 0.4)}
	result := NewAnswerRanker(&fakeReranker{err: errUpstream}, nil, nil, AnswerRankConfig{}).
		Rank(context.Background(), "corr", "q", "some grounded answer", in)

	if !result.Degraded || len(result.Candidates) != 2 {
		t.Fatalf("expected degraded result with candidates kept, got %+v", result)
	}
	if result.Candidates[0].FinalScore() != 0.5 {
		t.Fatalf("expected pre-scores to stand")
	}
}

func TestAnswerRankEmptyCandidates(t *testing.T) {
	result := NewAnswerRanker(&fakeReranker{}, nil, nil, AnswerRankConfig{}).
		Rank(context.Background(), "corr", "q", "answer", nil)
	if !result.Skipped || len(result.Candidates) != 0 {
		t.Fatalf("expected skipped empty result")
	}
}

func TestAnswerRankNegativeAnswerDropsEarlierAnswerScores(t *testing.T) {
	a := scored("a", "1", "revenue was 900", 0.2)
	b := scored("a", "2", "costs fell", 0.8)
	a.AnswerScore = 0.41

	result := NewAnswerRanker(&fakeReranker{}, nil, nil, AnswerRankConfig{}).
		Rank(context.Background(), "corr", "q", "不知道", []*domain.RetrieveContext{a, b})

	if !result.Skipped {
		t.Fatalf("expected skipped result")
	}
	for _, c := range result.Candidates {
		if c.FinalScore() != c.PreScore {
			t.Fatalf("candidate %s kept stale answer score %f", c.Origin.ID(), c.AnswerScore)
		}
	}
}

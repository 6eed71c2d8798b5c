package usecase

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

func scored(file, id, text string, pre float64) *domain.RetrieveContext {
	return &domain.RetrieveContext{
		Origin:   domain.FragmentOrigin(&domain.Fragment{ID: id, FileID: file, Locators: []string{"1," + id}}),
		Type:     domain.RetrieveParagraph,
		Text:     text,
		PreScore: pre,
	}
}

func TestTopPReturnsMinimalPrefix(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		threshold := rapid.Float64Range(0.05, 1).Draw(rt, "threshold")
		candidates := make([]*domain.RetrieveContext, n)
		for i := range candidates {
			candidates[i] = scored("doc", fmt.Sprint(i), "", rapid.Float64Range(0.01, 1).Draw(rt, fmt.Sprintf("s%d", i)))
		}

		kept := topP(candidates, threshold, (*domain.RetrieveContext).FinalScore)
		if len(kept) == 0 {
			rt.Fatalf("expected at least one candidate kept")
		}

		total := 0.0
		for _, c := range candidates {
			total += c.PreScore
		}
		prefix := 0.0
		for i, c := range kept {
			if i > 0 && c.PreScore > kept[i-1].PreScore {
				rt.Fatalf("kept list not sorted descending")
			}
			prefix += c.PreScore
		}
		if len(kept) < n && prefix/total < threshold-1e-9 {
			rt.Fatalf("kept mass %f below threshold %f", prefix/total, threshold)
		}
		without := (prefix - kept[len(kept)-1].PreScore) / total
		if len(kept) > 1 && without >= threshold+1e-9 {
			rt.Fatalf("prefix is not minimal: %f already reaches %f", without, threshold)
		}
	})
}

func TestTopPKeepsEverythingWithoutScoreMass(t *testing.T) {
	in := []*domain.RetrieveContext{scored("a", "1", "", 0), scored("a", "2", "", 0)}
	if got := topP(in, 0.9, (*domain.RetrieveContext).FinalScore); len(got) != 2 {
		t.Fatalf("expected all candidates, got %d", len(got))
	}
}

func TestTruncateByBudgetStopsAtFirstOverflow(t *testing.T) {
	a := scored("a", "1", strings.Repeat("x", 6), 0.5)
	b := scored("a", "2", strings.Repeat("y", 6), 0.3)
	c := scored("a", "3", "z", 0.2)

	got := truncateByBudget([]*domain.RetrieveContext{a, b, c}, 10)
	if len(got) != 1 || got[0] != a {
		t.Fatalf("expected only the first candidate, got %d", len(got))
	}
}

func TestTruncateByBudgetCutsOversizedFirstCandidateByRunes(t *testing.T) {
	a := scored("a", "1", "营业收入增长显著", 0.5)
	b := scored("a", "2", "short", 0.3)

	got := truncateByBudget([]*domain.RetrieveContext{a, b}, 4)
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	if got[0].Text != "营业收入" {
		t.Fatalf("expected rune-safe cut, got %q", got[0].Text)
	}
}

func TestInterleaveGroups(t *testing.T) {
	cases := []struct {
		in   []int
		want []int
	}{
		{in: nil, want: []int{}},
		{in: []int{0}, want: []int{0}},
		{in: []int{0, 1}, want: []int{0, 1}},
		{in: []int{0, 1, 2, 3, 4, 5, 6}, want: []int{0, 2, 4, 6, 5, 3, 1}},
		{in: []int{0, 1, 2, 3, 4, 5}, want: []int{0, 2, 4, 5, 3, 1}},
	}
	for _, tc := range cases {
		got := interleaveGroups(tc.in)
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Fatalf("interleaveGroups(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncateRendersPromptWithTagsInEmitOrder(t *testing.T) {
	row := &domain.TableRow{ID: "row", FileID: "b", Title: "合并利润表", Locators: []string{"9,1"}}
	table := &domain.RetrieveContext{Origin: domain.TableRowOrigin(row), Type: domain.RetrieveTable, Text: "| 净利润 | 100 |", PreScore: 0.4}
	p1 := scored("a", "1", "first paragraph", 0.5)
	p2 := scored("a", "2", "second paragraph", 0.1)

	result := NewContextTruncator(runeCounter{}, TruncatorConfig{TopP: 1}).Truncate([]*domain.RetrieveContext{p2, table, p1})

	want := "# 来源文档\n文档标识: a\n" +
		"## 来源标识: IFTAG1\nfirst paragraph\n\n" +
		"## 来源标识: IFTAG2\nsecond paragraph\n\n" +
		"# 来源文档\n文档标识: b\n" +
		"## 来源标识: IFTAG3\n合并利润表：\n| 净利润 | 100 |\n\n"
	if result.Prompt != want {
		t.Fatalf("unexpected prompt:\n%s", result.Prompt)
	}
	if len(result.Candidates) != 3 || result.Candidates[0] != p1 || result.Candidates[2] != table {
		t.Fatalf("unexpected candidate order")
	}
	if table.ReferenceTag != "IFTAG3" || p2.ReferenceTag != "IFTAG2" {
		t.Fatalf("unexpected tags %q %q", table.ReferenceTag, p2.ReferenceTag)
	}
	if result.PromptTokens != len([]rune(want)) {
		t.Fatalf("expected prompt tokens counted, got %d", result.PromptTokens)
	}
}

func TestTruncateCapsDocumentGroups(t *testing.T) {
	var in []*domain.RetrieveContext
	for i := 0; i < 30; i++ {
		in = append(in, scored(fmt.Sprintf("doc%02d", i), fmt.Sprint(i), "t", 1))
	}
	result := NewContextTruncator(nil, TruncatorConfig{TopP: 1}).Truncate(in)
	if len(result.Candidates) != 21 {
		t.Fatalf("expected 21 document groups, got %d", len(result.Candidates))
	}
	if strings.Count(result.Prompt, "# 来源文档\n") != 21 {
		t.Fatalf("expected 21 document sections")
	}
	if result.PromptTokens != 0 {
		t.Fatalf("expected zero tokens without a counter")
	}
}

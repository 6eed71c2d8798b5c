package usecase

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

type TruncatorConfig struct {
	TopP         float64
	MaxChars     int
	MaxDocuments int
}

func (c TruncatorConfig) withDefaults() TruncatorConfig {
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 12000
	}
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 21
	}
	return c
}

// ContextTruncator cuts the ranked list to the prompt budget and lays it out for generation.
type ContextTruncator struct {
	tokens ports.TokenCounter
	cfg    TruncatorConfig
}

func NewContextTruncator(tokens ports.TokenCounter, cfg TruncatorConfig) *ContextTruncator {
	return &ContextTruncator{tokens: tokens, cfg: cfg.withDefaults()}
}

type TruncationResult struct {
	Candidates   []*domain.RetrieveContext
	Prompt       string
	PromptTokens int
}

func (t *ContextTruncator) Truncate(candidates []*domain.RetrieveContext) TruncationResult {
	kept := topP(candidates, t.cfg.TopP, (*domain.RetrieveContext).FinalScore)
	kept = truncateByBudget(kept, t.cfg.MaxChars)
	groups := groupByDocument(kept)
	if len(groups) > t.cfg.MaxDocuments {
		groups = groups[:t.cfg.MaxDocuments]
	}
	groups = interleaveGroups(groups)

	prompt, ordered := renderPrompt(groups)
	tokens := 0
	if t.tokens != nil {
		tokens = t.tokens.Count(prompt)
	}
	return TruncationResult{Candidates: ordered, Prompt: prompt, PromptTokens: tokens}
}

// topP returns the minimal prefix, by descending score, whose share of the total score
// mass reaches threshold.
func topP(candidates []*domain.RetrieveContext, threshold float64, score func(*domain.RetrieveContext) float64) []*domain.RetrieveContext {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]*domain.RetrieveContext, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return score(sorted[i]) > score(sorted[j])
	})

	total := 0.0
	for _, c := range sorted {
		total += score(c)
	}
	if total <= 0 {
		return sorted
	}

	cumulative := 0.0
	for i, c := range sorted {
		cumulative += score(c) / total
		if cumulative >= threshold {
			return sorted[:i+1]
		}
	}
	return sorted
}

// truncateByBudget keeps whole candidates while they fit in maxChars and stops at the
// first one that does not. A first candidate that alone overflows is cut to size.
func truncateByBudget(candidates []*domain.RetrieveContext, maxChars int) []*domain.RetrieveContext {
	if len(candidates) == 0 {
		return candidates
	}
	first := candidates[0]
	if utf8.RuneCountInString(first.Text) > maxChars {
		first.Text = string([]rune(first.Text)[:maxChars])
		return candidates[:1]
	}

	remaining := maxChars
	out := make([]*domain.RetrieveContext, 0, len(candidates))
	for _, c := range candidates {
		n := utf8.RuneCountInString(c.Text)
		if n > remaining {
			break
		}
		remaining -= n
		out = append(out, c)
	}
	return out
}

// interleaveGroups places even-positioned groups first in order, then odd-positioned
// groups reversed, so the strongest documents sit at both ends of the prompt.
func interleaveGroups[T any](groups []T) []T {
	out := make([]T, 0, len(groups))
	for i := 0; i < len(groups); i += 2 {
		out = append(out, groups[i])
	}
	last := len(groups) - 1
	if last%2 == 0 {
		last--
	}
	for i := last; i > 0; i -= 2 {
		out = append(out, groups[i])
	}
	return out
}

// renderPrompt writes one section per document and tags each candidate in emit order.
func renderPrompt(groups [][]*domain.RetrieveContext) (string, []*domain.RetrieveContext) {
	var b strings.Builder
	var ordered []*domain.RetrieveContext
	tag := 1
	for _, group := range groups {
		b.WriteString("# 来源文档\n")
		fmt.Fprintf(&b, "文档标识: %s\n", group[0].FileID())
		for _, c := range group {
			c.ReferenceTag = fmt.Sprintf("IFTAG%d", tag)
			tag++
			fmt.Fprintf(&b, "## 来源标识: %s\n", c.ReferenceTag)
			if c.Origin.Kind == domain.OriginTableRow && c.Origin.Row != nil {
				b.WriteString(c.Origin.Row.Title + "：\n")
			}
			b.WriteString(c.Text)
			b.WriteString("\n\n")
			ordered = append(ordered, c)
		}
	}
	return b.String(), ordered
}

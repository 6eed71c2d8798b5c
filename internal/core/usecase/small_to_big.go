package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

type SmallToBigConfig struct {
	TokenBudget int
	// MinLevel is the shallowest leaf level eligible for promotion; roots and their
	// direct children are never replaced.
	MinLevel          int
	PerDocumentCap    int
	MultiDocThreshold int
}

func (c SmallToBigConfig) withDefaults() SmallToBigConfig {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 2000
	}
	if c.MinLevel <= 0 {
		c.MinLevel = 3
	}
	if c.PerDocumentCap <= 0 {
		c.PerDocumentCap = 3
	}
	if c.MultiDocThreshold <= 0 {
		c.MultiDocThreshold = 4
	}
	return c
}

// SmallToBig swaps small leaf hits for their direct parent section.
type SmallToBig struct {
	tokens ports.TokenCounter
	logger *slog.Logger
	cfg    SmallToBigConfig
}

func NewSmallToBig(tokens ports.TokenCounter, logger *slog.Logger, cfg SmallToBigConfig) *SmallToBig {
	if logger == nil {
		logger = slog.Default()
	}
	return &SmallToBig{tokens: tokens, logger: logger, cfg: cfg.withDefaults()}
}

// Expand promotes eligible leaves one level up. documentCount is the number of target source documents.
func (s *SmallToBig) Expand(
	ctx context.Context,
	correlationID string,
	tree *FragmentTree,
	candidates []*domain.RetrieveContext,
	documentCount int,
) ([]*domain.RetrieveContext, error) {
	var leaves []*domain.Fragment
	for _, c := range candidates {
		if f := s.promotable(tree, c); f != nil {
			leaves = append(leaves, f)
		}
	}

	if len(leaves) > 0 {
		if err := tree.ResolveAncestors(ctx, leaves, 1); err != nil {
			return nil, fmt.Errorf("resolve parents: %w", err)
		}
		parents := make([]*domain.Fragment, 0, len(leaves))
		for _, leaf := range leaves {
			if p, ok := tree.Get(leaf.ParentID); ok {
				parents = append(parents, p)
			}
		}
		refs, err := tree.ResolveDescendants(ctx, parents)
		if err != nil {
			return nil, fmt.Errorf("resolve parent subtrees: %w", err)
		}
		if err := tree.LoadContents(ctx, refs); err != nil {
			return nil, fmt.Errorf("load parent contents: %w", err)
		}
	}

	ordered := orderByDocuments(candidates, documentCount, s.cfg.MultiDocThreshold, s.cfg.PerDocumentCap)

	emitted := make([]*domain.RetrieveContext, 0, len(ordered))
	for _, c := range ordered {
		if owner := firstOverlap(emitted, c); owner != nil {
			owner.Related = append(owner.Related, c)
			continue
		}
		if c.Type != domain.RetrieveParagraph {
			emitted = append(emitted, c)
			continue
		}

		f := s.promotable(tree, c)
		if f == nil {
			emitted = append(emitted, c)
			continue
		}
		parent, ok := tree.Get(f.ParentID)
		if !ok {
			emitted = append(emitted, c)
			continue
		}
		promoted, err := promote(tree, c, parent)
		if err != nil {
			s.logger.Warn("promotion_skipped",
				"correlation_id", correlationID,
				"origin_id", f.ID,
				"parent_id", parent.ID,
				"error", err,
			)
			emitted = append(emitted, c)
			continue
		}
		if owner := firstOverlap(emitted, promoted); owner != nil {
			owner.Related = append(owner.Related, promoted)
			continue
		}
		emitted = append(emitted, promoted)
	}
	return emitted, nil
}

// promotable returns the candidate's fragment when it is a small leaf deep enough to promote.
func (s *SmallToBig) promotable(tree *FragmentTree, c *domain.RetrieveContext) *domain.Fragment {
	if c.Type != domain.RetrieveParagraph || c.Origin.Kind != domain.OriginFragment {
		return nil
	}
	f, ok := tree.Get(c.Origin.ID())
	if !ok {
		f = c.Origin.Fragment
	}
	if f == nil || !f.Leaf || !f.HasParent() || f.Level < s.cfg.MinLevel {
		return nil
	}
	if s.subtreeTokens(f, c) >= s.cfg.TokenBudget {
		return nil
	}
	return f
}

func (s *SmallToBig) subtreeTokens(f *domain.Fragment, c *domain.RetrieveContext) int {
	if f.TreeTokenLength > 0 || s.tokens == nil {
		return f.TreeTokenLength
	}
	text := c.Text
	if text == "" {
		text = f.EmbedText
	}
	return s.tokens.Count(text)
}

func promote(tree *FragmentTree, child *domain.RetrieveContext, parent *domain.Fragment) (*domain.RetrieveContext, error) {
	promoted := &domain.RetrieveContext{
		Origin:         domain.FragmentOrigin(parent),
		Type:           domain.RetrieveParagraph,
		ChannelHits:    child.ChannelHits,
		RankScore:      child.RankScore,
		RelevanceScore: child.RelevanceScore,
		RepeatScore:    child.RepeatScore,
		PreScore:       child.PreScore,
		AnswerScore:    child.AnswerScore,
		Related:        []*domain.RetrieveContext{child},
	}
	if err := assembleCandidate(tree, promoted); err != nil {
		return nil, err
	}
	return promoted, nil
}

// orderByDocuments puts each document's best candidate first when few documents are in
// play, and caps every document to perDocCap candidates otherwise.
func orderByDocuments(candidates []*domain.RetrieveContext, documentCount, threshold, perDocCap int) []*domain.RetrieveContext {
	groups := groupByDocument(candidates)
	out := make([]*domain.RetrieveContext, 0, len(candidates))
	if documentCount < threshold {
		leaders := make(map[*domain.RetrieveContext]struct{}, len(groups))
		for _, g := range groups {
			out = append(out, g[0])
			leaders[g[0]] = struct{}{}
		}
		for _, c := range candidates {
			if _, ok := leaders[c]; !ok {
				out = append(out, c)
			}
		}
		return out
	}
	for _, g := range groups {
		out = append(out, g[:min(len(g), perDocCap)]...)
	}
	return out
}

// groupByDocument groups candidates by file in first-seen order, keeping rank within each group.
func groupByDocument(candidates []*domain.RetrieveContext) [][]*domain.RetrieveContext {
	index := make(map[string]int)
	var groups [][]*domain.RetrieveContext
	for _, c := range candidates {
		i, ok := index[c.FileID()]
		if !ok {
			i = len(groups)
			index[c.FileID()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

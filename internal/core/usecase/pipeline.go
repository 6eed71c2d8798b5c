package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const (
	stageRetrieve   = "retrieve"
	stageLoadTree   = "load_tree"
	stageCoarseRank = "coarse_rank"
	stageSmallToBig = "small_to_big"
	stageTruncate   = "truncate"
)

type PipelineDeps struct {
	Lexical   ports.LexicalSearcher
	Vector    ports.VectorSearcher
	Embedder  ports.Embedder
	Reranker  ports.Reranker
	Fragments ports.FragmentStore
	Contents  ports.ContentStore
	Snapshots ports.FragmentSnapshotStore
	Markup    ports.TableMarkupConverter
	Tokens    ports.TokenCounter
	Spans     ports.SpanPublisher
	Sessions  ports.SessionStore
	Observer  ports.PipelineObserver
	Logger    *slog.Logger
}

type PipelineConfig struct {
	Retriever    RetrieverConfig
	Coarse       CoarseRankConfig
	SmallToBig   SmallToBigConfig
	Truncator    TruncatorConfig
	Answer       AnswerRankConfig
	FixedTables  []domain.FixedTable
	TreeMaxDepth int
	SessionTTL   time.Duration
}

// RetrievalPipeline assembles prompt context for a question and rescores it once the answer exists.
type RetrievalPipeline struct {
	retriever  *MultiPathRetriever
	coarse     *CoarseRanker
	smallToBig *SmallToBig
	truncator  *ContextTruncator
	answer     *AnswerRanker

	fragments ports.FragmentStore
	contents  ports.ContentStore
	snapshots ports.FragmentSnapshotStore
	markup    ports.TableMarkupConverter
	spans     ports.SpanPublisher
	sessions  ports.SessionStore
	observer  ports.PipelineObserver
	logger    *slog.Logger

	treeMaxDepth int
	sessionTTL   time.Duration
}

var (
	_ ports.ContextRetriever = (*RetrievalPipeline)(nil)
	_ ports.AnswerReranker   = (*RetrievalPipeline)(nil)
)

func NewRetrievalPipeline(deps PipelineDeps, cfg PipelineConfig) *RetrievalPipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := deps.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	return &RetrievalPipeline{
		retriever:    NewMultiPathRetriever(deps.Lexical, deps.Vector, deps.Embedder, cfg.FixedTables, observer, logger, cfg.Retriever),
		coarse:       NewCoarseRanker(deps.Reranker, observer, logger, cfg.Coarse),
		smallToBig:   NewSmallToBig(deps.Tokens, logger, cfg.SmallToBig),
		truncator:    NewContextTruncator(deps.Tokens, cfg.Truncator),
		answer:       NewAnswerRanker(deps.Reranker, observer, logger, cfg.Answer),
		fragments:    deps.Fragments,
		contents:     deps.Contents,
		snapshots:    deps.Snapshots,
		markup:       deps.Markup,
		spans:        deps.Spans,
		sessions:     deps.Sessions,
		observer:     observer,
		logger:       logger,
		treeMaxDepth: cfg.TreeMaxDepth,
		sessionTTL:   cfg.SessionTTL,
	}
}

func (p *RetrievalPipeline) Retrieve(ctx context.Context, correlationID string, q domain.Question) (*domain.AssembledContext, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("question is required"))
	}
	if len(q.TargetFileIDs()) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("file_ids are required"))
	}

	started := time.Now()
	retrieved, err := p.retriever.Retrieve(ctx, correlationID, q)
	if err != nil {
		p.finishStage(ctx, correlationID, stageRetrieve, started, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("multi-path retrieval: %w", err)
	}
	degraded := append([]string(nil), retrieved.Degraded...)
	p.finishStage(ctx, correlationID, stageRetrieve, started, map[string]any{
		"fixed":      len(retrieved.Fixed),
		"candidates": len(retrieved.Candidates),
		"degraded":   len(retrieved.Degraded),
	})

	if len(retrieved.Fixed)+len(retrieved.Candidates) == 0 {
		p.logger.Info("no_relevant_content", "correlation_id", correlationID)
		return p.remember(correlationID, q, &domain.AssembledContext{CorrelationID: correlationID, Degraded: degraded}), nil
	}

	started = time.Now()
	tree := NewFragmentTree(p.fragments, p.contents, FragmentTreeOptions{
		Snapshots: p.snapshots,
		Markup:    p.markup,
		Logger:    p.logger,
		MaxDepth:  p.treeMaxDepth,
	})
	if err := p.loadTree(ctx, correlationID, tree, retrieved); err != nil {
		p.finishStage(ctx, correlationID, stageLoadTree, started, map[string]any{"error": err.Error()})
		return nil, err
	}
	p.finishStage(ctx, correlationID, stageLoadTree, started, nil)

	started = time.Now()
	ranked := p.coarse.Rank(ctx, correlationID, q.QueryText(), tree, retrieved.Fixed, retrieved.Candidates)
	if ranked.Degraded {
		degraded = append(degraded, stageQuestionRerank)
	}
	p.finishStage(ctx, correlationID, stageCoarseRank, started, map[string]any{"survivors": len(ranked.Candidates)})

	started = time.Now()
	expanded, err := p.smallToBig.Expand(ctx, correlationID, tree, ranked.Candidates, len(q.TargetFileIDs()))
	if err != nil {
		p.logger.Warn("small_to_big_degraded", "correlation_id", correlationID, "error", err)
		degraded = append(degraded, stageSmallToBig)
		expanded = ranked.Candidates
	}
	p.finishStage(ctx, correlationID, stageSmallToBig, started, map[string]any{"candidates": len(expanded)})

	started = time.Now()
	truncated := p.truncator.Truncate(expanded)
	p.finishStage(ctx, correlationID, stageTruncate, started, map[string]any{
		"candidates":    len(truncated.Candidates),
		"prompt_tokens": truncated.PromptTokens,
	})

	assembled := &domain.AssembledContext{
		CorrelationID: correlationID,
		Candidates:    truncated.Candidates,
		Citations:     citations(truncated.Candidates),
		Prompt:        truncated.Prompt,
		PromptTokens:  truncated.PromptTokens,
		Degraded:      degraded,
	}
	p.logger.Info("context_assembled",
		"correlation_id", correlationID,
		"candidates", len(assembled.Candidates),
		"prompt_tokens", assembled.PromptTokens,
		"degraded", strings.Join(degraded, ","),
	)
	return p.remember(correlationID, q, assembled), nil
}

func (p *RetrievalPipeline) RerankAnswer(ctx context.Context, correlationID, answer string) (*domain.AssembledContext, error) {
	if correlationID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "rerank answer", errors.New("correlation id is required"))
	}
	if p.sessions == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "rerank answer", errors.New("sessions are not retained"))
	}
	session, ok := p.sessions.Get(correlationID)
	if !ok || session == nil || session.Context == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "rerank answer", fmt.Errorf("no context for %s", correlationID))
	}

	started := time.Now()
	result := p.answer.Rank(ctx, correlationID, session.Question.Text, answer, session.Context.Candidates)
	p.finishStage(ctx, correlationID, stageAnswerRerank, started, map[string]any{
		"candidates": len(result.Candidates),
		"skipped":    result.Skipped,
		"degraded":   result.Degraded,
	})

	degraded := append([]string(nil), session.Context.Degraded...)
	if result.Degraded {
		degraded = append(degraded, stageAnswerRerank)
	}
	return &domain.AssembledContext{
		CorrelationID: correlationID,
		Candidates:    result.Candidates,
		Citations:     citations(result.Candidates),
		Prompt:        session.Context.Prompt,
		PromptTokens:  session.Context.PromptTokens,
		Degraded:      degraded,
	}, nil
}

// loadTree fills the request tree with every fragment and content item the candidates need.
func (p *RetrievalPipeline) loadTree(ctx context.Context, correlationID string, tree *FragmentTree, retrieved *RetrievalResult) error {
	var (
		fileIDs  []string
		seenFile = make(map[string]struct{})
		partial  []*domain.Fragment
		refs     []domain.ContentRef
	)
	addFile := func(id string) {
		if _, ok := seenFile[id]; !ok {
			seenFile[id] = struct{}{}
			fileIDs = append(fileIDs, id)
		}
	}
	for _, c := range append(append([]*domain.RetrieveContext(nil), retrieved.Fixed...), retrieved.Candidates...) {
		addFile(c.FileID())
		switch c.Origin.Kind {
		case domain.OriginFragment:
			partial = append(partial, c.Origin.Fragment)
		case domain.OriginTableRow:
			for _, l := range c.Origin.Row.Locators {
				refs = append(refs, domain.ContentRef{FileID: c.Origin.Row.FileID, Locator: l})
			}
		}
	}

	tree.PreloadFiles(ctx, correlationID, fileIDs)
	if err := tree.Hydrate(ctx, partial); err != nil {
		p.logger.Warn("fragment_hydrate_failed", "correlation_id", correlationID, "error", err)
	}
	frags := make([]*domain.Fragment, 0, len(partial))
	for _, f := range partial {
		if full, ok := tree.Get(f.ID); ok {
			frags = append(frags, full)
			continue
		}
		tree.Add(*f)
		if added, ok := tree.Get(f.ID); ok {
			frags = append(frags, added)
		}
	}

	descendantRefs, err := tree.ResolveDescendants(ctx, frags)
	if err != nil {
		p.logger.Warn("fragment_descendants_incomplete", "correlation_id", correlationID, "error", err)
	}
	refs = append(refs, descendantRefs...)

	if err := tree.LoadContents(ctx, refs); err != nil {
		return domain.WrapError(domain.ErrUpstreamUnavailable, "load contents", err)
	}
	return nil
}

func (p *RetrievalPipeline) remember(correlationID string, q domain.Question, assembled *domain.AssembledContext) *domain.AssembledContext {
	if p.sessions != nil {
		p.sessions.Set(correlationID, &domain.RetrievalSession{Question: q, Context: assembled}, p.sessionTTL)
	}
	return assembled
}

func (p *RetrievalPipeline) finishStage(ctx context.Context, correlationID, stage string, started time.Time, attrs map[string]any) {
	elapsed := time.Since(started)
	p.observer.ObserveStage(stage, elapsed.Seconds())
	p.logger.Debug("stage_finished",
		"correlation_id", correlationID,
		"stage", stage,
		"duration_ms", elapsed.Milliseconds(),
	)
	if p.spans == nil {
		return
	}
	span := ports.StageSpan{
		CorrelationID: correlationID,
		Stage:         stage,
		DurationMS:    float64(elapsed.Microseconds()) / 1000,
		Attributes:    attrs,
	}
	if err := p.spans.PublishSpan(ctx, span); err != nil {
		p.logger.Debug("span_publish_failed", "correlation_id", correlationID, "stage", stage, "error", err)
	}
}

func citations(candidates []*domain.RetrieveContext) []domain.Citation {
	out := make([]domain.Citation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Citation())
	}
	return out
}

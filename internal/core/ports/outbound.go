package ports

import (
	"context"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

// LexicalSearcher runs keyword queries against a fragment or table-row index.
type LexicalSearcher interface {
	Search(ctx context.Context, query domain.LexicalQuery) ([]domain.SearchHit, error)
}

// VectorSearcher runs dense similarity queries. Native score scales differ per backend.
type VectorSearcher interface {
	Search(ctx context.Context, query domain.VectorQuery) ([]domain.SearchHit, error)
}

// Embedder builds vectors for query and vocabulary text.
type Embedder interface {
	Embed(ctx context.Context, texts []string, dimension int) ([][]float32, error)
}

// Reranker scores (query, text) pairs with a cross-encoder and returns raw logits.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// FragmentStore reads fragment tree nodes.
type FragmentStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]domain.Fragment, error)
	GetChildren(ctx context.Context, parentIDs []string) ([]domain.Fragment, error)
	GetParents(ctx context.Context, ids []string) ([]domain.Fragment, error)
}

// FragmentSnapshotStore holds whole-file fragment lists.
type FragmentSnapshotStore interface {
	GetFileFragments(ctx context.Context, fileID string) ([]domain.Fragment, bool, error)
	PutFileFragments(ctx context.Context, fileID string, fragments []domain.Fragment) error
	Invalidate(ctx context.Context, fileIDs ...string) error
}

// ContentStore reads raw document content by locator.
type ContentStore interface {
	GetByLocators(ctx context.Context, fileID string, locators []string) (map[string]string, error)
}

// TableMarkupConverter turns embedded table markup into plain table text.
type TableMarkupConverter interface {
	IsTableMarkup(content string) bool
	ToText(markup string) (string, error)
}

// TokenCounter counts model tokens in text.
type TokenCounter interface {
	Count(text string) int
}

// StageSpan is one finished pipeline stage.
type StageSpan struct {
	CorrelationID string         `json:"correlation_id"`
	Stage         string         `json:"stage"`
	DurationMS    float64        `json:"duration_ms"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// SpanPublisher exports stage spans.
type SpanPublisher interface {
	PublishSpan(ctx context.Context, span StageSpan) error
}

// PipelineObserver receives pipeline metrics.
type PipelineObserver interface {
	ObserveChannel(channel string, hits int, degraded bool)
	ObserveStage(stage string, seconds float64)
	ObserveRerankBatch(stage string, size int, err error)
}

// SessionStore keeps assembled contexts by correlation id until the answer arrives.
type SessionStore interface {
	Get(correlationID string) (*domain.RetrievalSession, bool)
	Set(correlationID string, session *domain.RetrievalSession, ttl time.Duration)
}

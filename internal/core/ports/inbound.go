package ports

import (
	"context"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

// ContextRetriever is the inbound contract for pre-generation retrieval and context assembly.
type ContextRetriever interface {
	Retrieve(ctx context.Context, correlationID string, question domain.Question) (*domain.AssembledContext, error)
}

// AnswerReranker rescores a previously assembled context against the generated answer.
type AnswerReranker interface {
	RerankAnswer(ctx context.Context, correlationID, answer string) (*domain.AssembledContext, error)
}

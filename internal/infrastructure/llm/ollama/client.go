package ollama

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/cache/scoredcache"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/restclient"
)

type embedInput struct {
	text      string
	dimension int
}

type EmbedderConfig struct {
	Model     string
	CacheSize int
	CacheTTL  time.Duration
	BatchSize int
	Workers   int
}

// Embedder calls the ollama embed endpoint through a text|dimension keyed cache.
type Embedder struct {
	client *restclient.Client
	model  string
	batch  *scoredcache.BatchCache[embedInput, string, []float32]
}

func NewEmbedder(client *restclient.Client, cfg EmbedderConfig, opts ...scoredcache.Option) *Embedder {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 5000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	e := &Embedder{client: client, model: cfg.Model}
	cache := scoredcache.New[string, []float32]("embedding", cfg.CacheSize, cfg.CacheTTL, opts...)
	e.batch = scoredcache.NewBatchCache(cache, embedKey, e.fetch, scoredcache.BatchConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		TTL:       cfg.CacheTTL,
	})
	return e
}

func embedKey(in embedInput) string {
	return in.text + "|" + strconv.Itoa(in.dimension)
}

func (e *Embedder) Embed(ctx context.Context, texts []string, dimension int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]embedInput, len(texts))
	for i, t := range texts {
		inputs[i] = embedInput{text: t, dimension: dimension}
	}
	return e.batch.Get(ctx, inputs)
}

func (e *Embedder) fetch(ctx context.Context, inputs []embedInput) ([][]float32, error) {
	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.text
	}
	dimension := inputs[0].dimension

	request := map[string]any{
		"model": e.model,
		"input": texts,
	}
	if dimension > 0 {
		request["dimensions"] = dimension
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.PostJSON(ctx, "/api/embed", "embed", request, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(domain.ErrMalformedPayload, "ollama embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)))
	}
	for i, v := range response.Embeddings {
		if dimension > 0 && len(v) != dimension {
			return nil, domain.WrapError(domain.ErrMalformedPayload, "ollama embed",
				fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dimension))
		}
	}
	return response.Embeddings, nil
}

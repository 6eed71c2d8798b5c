package crossencoder

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/cache/scoredcache"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/restclient"
)

type pair struct {
	query string
	text  string
}

type Config struct {
	Path      string
	CacheSize int
	CacheTTL  time.Duration
	BatchSize int
}

// Client scores (query, text) pairs on a cross-encoder service and returns raw logits.
type Client struct {
	client *restclient.Client
	path   string
	batch  *scoredcache.BatchCache[pair, string, float64]
}

func New(client *restclient.Client, cfg Config, opts ...scoredcache.Option) *Client {
	if cfg.Path == "" {
		cfg.Path = "/rerank"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 20000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	c := &Client{client: client, path: cfg.Path}
	cache := scoredcache.New[string, float64]("rerank", cfg.CacheSize, cfg.CacheTTL, opts...)
	c.batch = scoredcache.NewBatchCache(cache, pairKey, c.fetch, scoredcache.BatchConfig{
		BatchSize: cfg.BatchSize,
		Workers:   1,
		TTL:       cfg.CacheTTL,
	})
	return c
}

func pairKey(p pair) string {
	return p.query + "##" + p.text
}

func (c *Client) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	pairs := make([]pair, len(texts))
	for i, t := range texts {
		pairs[i] = pair{query: query, text: t}
	}
	return c.batch.Get(ctx, pairs)
}

type rerankRequest struct {
	Input     [2][]string `json:"input"`
	IfSoftmax int         `json:"if_softmax"`
}

type rerankResponse struct {
	RerankScore []float64 `json:"rerank_score"`
}

func (c *Client) fetch(ctx context.Context, pairs []pair) ([]float64, error) {
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		texts[i] = p.text
	}
	req := rerankRequest{Input: [2][]string{{pairs[0].query}, texts}}

	var resp rerankResponse
	if err := c.client.PostJSON(ctx, c.path, "score", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.RerankScore) != len(texts) {
		return nil, domain.WrapError(domain.ErrMalformedPayload, "rerank score",
			fmt.Errorf("expected %d scores, got %d", len(texts), len(resp.RerankScore)))
	}
	return resp.RerankScore, nil
}

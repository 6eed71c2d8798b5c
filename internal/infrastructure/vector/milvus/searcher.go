package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

const (
	fieldID      = "id"
	fieldPayload = "payload"
	fieldFileID  = "file_uuid"
	fieldTitle   = "title"
	fieldFixed   = "fixed"
)

type Config struct {
	Address            string
	Database           string
	FragmentCollection string
	TableRowCollection string
}

type searchRequest struct {
	collection string
	field      string
	vector     []float32
	filter     string
	limit      int
}

type backend interface {
	search(ctx context.Context, req searchRequest) ([]column.Column, []float32, error)
	close(ctx context.Context) error
}

type clientBackend struct {
	client *milvusclient.Client
}

func (b clientBackend) search(ctx context.Context, req searchRequest) ([]column.Column, []float32, error) {
	opt := milvusclient.NewSearchOption(req.collection, req.limit, []entity.Vector{entity.FloatVector(req.vector)}).
		WithANNSField(req.field).
		WithOutputFields(fieldID, fieldPayload).
		WithConsistencyLevel(entity.ClBounded)
	if req.filter != "" {
		opt = opt.WithFilter(req.filter)
	}
	results, err := b.client.Search(ctx, opt)
	if err != nil {
		return nil, nil, err
	}
	if len(results) == 0 {
		return nil, nil, nil
	}
	return results[0].Fields, results[0].Scores, nil
}

func (b clientBackend) close(ctx context.Context) error {
	return b.client.Close(ctx)
}

// Searcher is a dense VectorSearcher over milvus collections whose rows keep the record
// JSON in a payload column.
type Searcher struct {
	backend  backend
	executor *resilience.Executor
	cfg      Config
}

var _ ports.VectorSearcher = (*Searcher)(nil)

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Searcher, error) {
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address: cfg.Address,
		DBName:  cfg.Database,
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrUpstreamUnavailable, "milvus connect",
			fmt.Errorf("address %s, database %s: %w", cfg.Address, cfg.Database, err))
	}
	return newSearcher(clientBackend{client: client}, cfg, executor), nil
}

func newSearcher(b backend, cfg Config, executor *resilience.Executor) *Searcher {
	if cfg.FragmentCollection == "" {
		cfg.FragmentCollection = "fragments"
	}
	if cfg.TableRowCollection == "" {
		cfg.TableRowCollection = "table_rows"
	}
	return &Searcher{backend: b, executor: executor, cfg: cfg}
}

func (s *Searcher) Close(ctx context.Context) error {
	return s.backend.close(ctx)
}

type searchResult struct {
	columns []column.Column
	scores  []float32
}

func (s *Searcher) Search(ctx context.Context, q domain.VectorQuery) ([]domain.SearchHit, error) {
	if len(q.Vector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "milvus search", fmt.Errorf("empty query vector"))
	}
	req := searchRequest{
		collection: s.collection(q.Index),
		field:      q.Field,
		vector:     q.Vector,
		filter:     buildExpression(q.Filter),
		limit:      q.Size,
	}
	if req.field == "" {
		req.field = "embedding"
	}
	if req.limit <= 0 {
		req.limit = 10
	}

	result, err := resilience.Call(ctx, s.executor, "milvus.search", func(ctx context.Context) (searchResult, error) {
		cols, scores, err := s.backend.search(ctx, req)
		return searchResult{columns: cols, scores: scores}, err
	}, resilience.ClassifyUpstream)
	if err != nil {
		return nil, resilience.WrapUpstream("milvus search", err)
	}

	hits, err := decodeHits(q.Index, result.columns, result.scores)
	if err != nil {
		return nil, domain.WrapError(domain.ErrMalformedPayload, "milvus search", err)
	}
	return hits, nil
}

func (s *Searcher) collection(index domain.Index) string {
	if index == domain.IndexTableRows {
		return s.cfg.TableRowCollection
	}
	return s.cfg.FragmentCollection
}

func decodeHits(index domain.Index, columns []column.Column, scores []float32) ([]domain.SearchHit, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	var ids, payloads column.Column
	for _, col := range columns {
		switch col.Name() {
		case fieldID:
			ids = col
		case fieldPayload:
			payloads = col
		}
	}
	if payloads == nil {
		return nil, fmt.Errorf("missing %s column", fieldPayload)
	}

	hits := make([]domain.SearchHit, 0, payloads.Len())
	for i := 0; i < payloads.Len(); i++ {
		raw, err := payloads.Get(i)
		if err != nil {
			return nil, fmt.Errorf("read payload %d: %w", i, err)
		}
		data, err := payloadBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}

		hit := domain.SearchHit{}
		if i < len(scores) {
			hit.Score = float64(scores[i])
		}
		if index == domain.IndexTableRows {
			var row domain.TableRow
			if err := json.Unmarshal(data, &row); err != nil {
				return nil, fmt.Errorf("decode table row %d: %w", i, err)
			}
			hit.ID, hit.Row = row.ID, &row
		} else {
			var frag domain.Fragment
			if err := json.Unmarshal(data, &frag); err != nil {
				return nil, fmt.Errorf("decode fragment %d: %w", i, err)
			}
			hit.ID, hit.Fragment = frag.ID, &frag
		}
		if hit.ID == "" && ids != nil {
			if v, err := ids.Get(i); err == nil {
				hit.ID = fmt.Sprint(v)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func payloadBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, fmt.Errorf("unexpected payload type %T", v)
	}
}

// buildExpression renders the filter as a milvus boolean expression.
func buildExpression(f domain.SearchFilter) string {
	var parts []string
	if len(f.FileIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%s in [%s]", fieldFileID, quoteList(f.FileIDs)))
	}
	if len(f.Titles) > 0 {
		parts = append(parts, fmt.Sprintf("%s in [%s]", fieldTitle, quoteList(f.Titles)))
	}
	if f.FixedOnly {
		parts = append(parts, fieldFixed+" == true")
	}
	return strings.Join(parts, " and ")
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ", ")
}

package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/restclient"
)

// Collections maps each logical index onto a qdrant collection.
type Collections struct {
	Fragments string
	TableRows string
}

// Client searches fragment and table-row collections. Dense queries use the named
// "embedding" vector; lexical queries use a sparse vector named after the searched field.
type Client struct {
	rest        *restclient.Client
	collections Collections
}

var (
	_ ports.VectorSearcher  = (*Client)(nil)
	_ ports.LexicalSearcher = (*LexicalClient)(nil)
)

func New(rest *restclient.Client, collections Collections) *Client {
	if collections.Fragments == "" {
		collections.Fragments = "fragments"
	}
	if collections.TableRows == "" {
		collections.TableRows = "table_rows"
	}
	return &Client{rest: rest, collections: collections}
}

// Lexical returns the sparse-vector view of the same collections.
func (c *Client) Lexical() *LexicalClient {
	return &LexicalClient{client: c}
}

func (c *Client) Search(ctx context.Context, q domain.VectorQuery) ([]domain.SearchHit, error) {
	if len(q.Vector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant dense search", fmt.Errorf("empty query vector"))
	}
	using := q.Field
	if using == "" {
		using = "embedding"
	}
	return c.query(ctx, q.Index, "dense_search", queryRequest{
		Query:       q.Vector,
		Using:       using,
		Filter:      buildFilter(q.Filter),
		Limit:       q.Size,
		WithPayload: true,
	})
}

type LexicalClient struct {
	client *Client
}

func (l *LexicalClient) Search(ctx context.Context, q domain.LexicalQuery) ([]domain.SearchHit, error) {
	vector := encodeSparseQuery(q.Text)
	if len(vector.Indices) == 0 {
		return nil, nil
	}
	return l.client.query(ctx, q.Index, "sparse_search", queryRequest{
		Query:       vector,
		Using:       q.Field,
		Filter:      buildFilter(q.Filter),
		Limit:       q.Size,
		WithPayload: true,
	})
}

type queryRequest struct {
	Query       any            `json:"query"`
	Using       string         `json:"using,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	Limit       int            `json:"limit"`
	WithPayload bool           `json:"with_payload"`
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      any             `json:"id"`
			Score   float64         `json:"score"`
			Payload json.RawMessage `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

func (c *Client) query(ctx context.Context, index domain.Index, operation string, req queryRequest) ([]domain.SearchHit, error) {
	collection, err := c.collection(index)
	if err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	var resp queryResponse
	path := fmt.Sprintf("/collections/%s/points/query", collection)
	if err := c.rest.Do(ctx, http.MethodPost, path, operation, req, &resp); err != nil {
		return nil, err
	}

	hits := make([]domain.SearchHit, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		hit, err := decodeHit(index, p.Payload, p.Score)
		if err != nil {
			return nil, domain.WrapError(domain.ErrMalformedPayload, "qdrant "+operation, err)
		}
		if hit.ID == "" {
			hit.ID = fmt.Sprint(p.ID)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (c *Client) collection(index domain.Index) (string, error) {
	switch index {
	case domain.IndexFragments:
		return c.collections.Fragments, nil
	case domain.IndexTableRows:
		return c.collections.TableRows, nil
	default:
		return "", domain.WrapError(domain.ErrInvalidInput, "qdrant search", fmt.Errorf("unknown index %q", index))
	}
}

// decodeHit reads the point payload, which carries the record's own JSON form.
func decodeHit(index domain.Index, payload json.RawMessage, score float64) (domain.SearchHit, error) {
	switch index {
	case domain.IndexTableRows:
		var row domain.TableRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return domain.SearchHit{}, fmt.Errorf("decode table row payload: %w", err)
		}
		return domain.SearchHit{ID: row.ID, Score: score, Row: &row}, nil
	default:
		var frag domain.Fragment
		if err := json.Unmarshal(payload, &frag); err != nil {
			return domain.SearchHit{}, fmt.Errorf("decode fragment payload: %w", err)
		}
		return domain.SearchHit{ID: frag.ID, Score: score, Fragment: &frag}, nil
	}
}

func buildFilter(f domain.SearchFilter) map[string]any {
	var must []map[string]any
	if len(f.FileIDs) > 0 {
		must = append(must, map[string]any{"key": "file_uuid", "match": map[string]any{"any": f.FileIDs}})
	}
	if len(f.Titles) > 0 {
		must = append(must, map[string]any{"key": "title", "match": map[string]any{"any": f.Titles}})
	}
	if f.FixedOnly {
		must = append(must, map[string]any{"key": "fixed", "match": map[string]any{"value": true}})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

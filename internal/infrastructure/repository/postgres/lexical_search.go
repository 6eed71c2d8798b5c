package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/textseg"
)

// LexicalSearcher ranks fragments and table rows with ts_rank over the segmented
// search_text column. Each table indexes one text field, so LexicalQuery.Field is not
// used for column selection.
type LexicalSearcher struct {
	db       *sql.DB
	executor *resilience.Executor
}

var _ ports.LexicalSearcher = (*LexicalSearcher)(nil)

func NewLexicalSearcher(db *sql.DB, executor *resilience.Executor) *LexicalSearcher {
	return &LexicalSearcher{db: db, executor: executor}
}

type rankedDoc struct {
	id    string
	doc   []byte
	score float64
}

func (s *LexicalSearcher) Search(ctx context.Context, q domain.LexicalQuery) ([]domain.SearchHit, error) {
	tsquery := textseg.Query(q.Text)
	if tsquery == "" {
		return nil, nil
	}
	size := q.Size
	if size <= 0 {
		size = 10
	}

	query, args := buildSearch(q.Index, tsquery, q.Filter, size)
	docs, err := queryRows(ctx, s.executor, "postgres lexical search", func(ctx context.Context) ([]rankedDoc, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Index, err)
		}
		defer rows.Close()

		out := make([]rankedDoc, 0, size)
		for rows.Next() {
			var d rankedDoc
			if err := rows.Scan(&d.id, &d.doc, &d.score); err != nil {
				return nil, fmt.Errorf("scan hit: %w", err)
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate hits: %w", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]domain.SearchHit, 0, len(docs))
	for _, d := range docs {
		hit := domain.SearchHit{ID: d.id, Score: d.score}
		if q.Index == domain.IndexTableRows {
			var row domain.TableRow
			if err := json.Unmarshal(d.doc, &row); err != nil {
				return nil, domain.WrapError(domain.ErrMalformedPayload, "postgres lexical search", fmt.Errorf("decode row %s: %w", d.id, err))
			}
			hit.Row = &row
		} else {
			var frag domain.Fragment
			if err := json.Unmarshal(d.doc, &frag); err != nil {
				return nil, domain.WrapError(domain.ErrMalformedPayload, "postgres lexical search", fmt.Errorf("decode fragment %s: %w", d.id, err))
			}
			hit.Fragment = &frag
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func buildSearch(index domain.Index, tsquery string, f domain.SearchFilter, size int) (string, []any) {
	table := "fragments"
	if index == domain.IndexTableRows {
		table = "table_rows"
	}

	args := []any{tsquery}
	where := []string{"search_vector @@ to_tsquery('simple', $1)"}
	if len(f.FileIDs) > 0 {
		args = append(args, idList(f.FileIDs))
		where = append(where, fmt.Sprintf("file_id IN (SELECT jsonb_array_elements_text($%d::jsonb))", len(args)))
	}
	if index == domain.IndexTableRows {
		if len(f.Titles) > 0 {
			args = append(args, idList(f.Titles))
			where = append(where, fmt.Sprintf("title IN (SELECT jsonb_array_elements_text($%d::jsonb))", len(args)))
		}
		if f.FixedOnly {
			where = append(where, "fixed")
		}
	}
	args = append(args, size)

	query := fmt.Sprintf(`SELECT id, doc, ts_rank(search_vector, to_tsquery('simple', $1)) AS score
FROM %s
WHERE %s
ORDER BY score DESC, id
LIMIT $%d`, table, strings.Join(where, " AND "), len(args))
	return query, args
}

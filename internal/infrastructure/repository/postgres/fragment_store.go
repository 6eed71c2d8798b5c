package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

// FragmentStore reads fragment tree nodes from the fragments table.
type FragmentStore struct {
	db       *sql.DB
	executor *resilience.Executor
}

var _ ports.FragmentStore = (*FragmentStore)(nil)

func NewFragmentStore(db *sql.DB, executor *resilience.Executor) *FragmentStore {
	return &FragmentStore{db: db, executor: executor}
}

func (s *FragmentStore) GetByIDs(ctx context.Context, ids []string) ([]domain.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, "postgres fragments by id", `
SELECT doc FROM fragments
WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
`, idList(ids))
}

func (s *FragmentStore) GetChildren(ctx context.Context, parentIDs []string) ([]domain.Fragment, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return s.list(ctx, "postgres fragment children", `
SELECT doc FROM fragments
WHERE parent_id IN (SELECT jsonb_array_elements_text($1::jsonb))
ORDER BY parent_id, id
`, idList(parentIDs))
}

// GetParents returns the distinct parents of the given fragments.
func (s *FragmentStore) GetParents(ctx context.Context, ids []string) ([]domain.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, "postgres fragment parents", `
SELECT DISTINCT p.doc FROM fragments c
JOIN fragments p ON p.id = c.parent_id
WHERE c.id IN (SELECT jsonb_array_elements_text($1::jsonb))
`, idList(ids))
}

// ListByFile returns every fragment of a file ordered by level. It backs the whole-file
// snapshot cache.
func (s *FragmentStore) ListByFile(ctx context.Context, fileID string) ([]domain.Fragment, error) {
	return s.list(ctx, "postgres fragments by file", `
SELECT doc FROM fragments
WHERE file_id = $1
ORDER BY level, id
`, fileID)
}

func (s *FragmentStore) list(ctx context.Context, operation, query string, args ...any) ([]domain.Fragment, error) {
	docs, err := queryRows(ctx, s.executor, operation, func(ctx context.Context) ([][]byte, error) {
		return scanDocs(ctx, s.db, query, args...)
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Fragment, 0, len(docs))
	for i, doc := range docs {
		var f domain.Fragment
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, domain.WrapError(domain.ErrMalformedPayload, operation, fmt.Errorf("decode fragment %d: %w", i, err))
		}
		out = append(out, f)
	}
	return out, nil
}

func scanDocs(ctx context.Context, db *sql.DB, query string, args ...any) ([][]byte, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := make([][]byte, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

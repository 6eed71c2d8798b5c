package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

// ContentStore reads raw document content keyed by (file, locator).
type ContentStore struct {
	db       *sql.DB
	executor *resilience.Executor
}

var _ ports.ContentStore = (*ContentStore)(nil)

func NewContentStore(db *sql.DB, executor *resilience.Executor) *ContentStore {
	return &ContentStore{db: db, executor: executor}
}

// GetByLocators returns the content found for the locators. Missing locators are absent
// from the result.
func (s *ContentStore) GetByLocators(ctx context.Context, fileID string, locators []string) (map[string]string, error) {
	if len(locators) == 0 {
		return map[string]string{}, nil
	}
	return queryRows(ctx, s.executor, "postgres contents", func(ctx context.Context) (map[string]string, error) {
		rows, err := s.db.QueryContext(ctx, `
SELECT locator, content FROM contents
WHERE file_id = $1 AND locator IN (SELECT jsonb_array_elements_text($2::jsonb))
`, fileID, idList(locators))
		if err != nil {
			return nil, fmt.Errorf("query contents: %w", err)
		}
		defer rows.Close()

		out := make(map[string]string, len(locators))
		for rows.Next() {
			var locator, content string
			if err := rows.Scan(&locator, &content); err != nil {
				return nil, fmt.Errorf("scan content: %w", err)
			}
			out[locator] = content
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate contents: %w", err)
		}
		return out, nil
	})
}

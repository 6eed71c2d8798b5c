package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the read-side tables. Ingestion writes the rows, including the
// pre-segmented search_text columns.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101701)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS fragments (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	parent_id TEXT,
	level INT NOT NULL DEFAULT 0,
	doc JSONB NOT NULL,
	search_text TEXT NOT NULL DEFAULT '',
	search_vector tsvector GENERATED ALWAYS AS (to_tsvector('simple', search_text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_fragments_file_id ON fragments(file_id);
CREATE INDEX IF NOT EXISTS idx_fragments_parent_id ON fragments(parent_id);
CREATE INDEX IF NOT EXISTS idx_fragments_search ON fragments USING GIN(search_vector);

CREATE TABLE IF NOT EXISTS table_rows (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	fixed BOOLEAN NOT NULL DEFAULT FALSE,
	doc JSONB NOT NULL,
	search_text TEXT NOT NULL DEFAULT '',
	search_vector tsvector GENERATED ALWAYS AS (to_tsvector('simple', search_text)) STORED
);

CREATE INDEX IF NOT EXISTS idx_table_rows_file_title ON table_rows(file_id, title);
CREATE INDEX IF NOT EXISTS idx_table_rows_search ON table_rows USING GIN(search_vector);

CREATE TABLE IF NOT EXISTS contents (
	file_id TEXT NOT NULL,
	locator TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (file_id, locator)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// idList encodes ids for jsonb_array_elements_text so one placeholder carries the whole set.
func idList(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

func queryRows[T any](ctx context.Context, executor *resilience.Executor, operation string, run func(ctx context.Context) (T, error)) (T, error) {
	out, err := resilience.Call(ctx, executor, operation, run, resilience.ClassifyUpstream)
	return out, resilience.WrapUpstream(operation, err)
}

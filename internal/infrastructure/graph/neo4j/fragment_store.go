package neo4j

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

// Graph layout: (:Fragment {id, file_id, level, doc})-[:PARENT_OF]->(:Fragment), where doc
// is the fragment JSON.
const (
	cypherByIDs    = `MATCH (f:Fragment) WHERE f.id IN $ids RETURN f.doc AS doc`
	cypherChildren = `MATCH (p:Fragment)-[:PARENT_OF]->(c:Fragment) WHERE p.id IN $ids RETURN c.doc AS doc ORDER BY p.id, c.id`
	cypherParents  = `MATCH (p:Fragment)-[:PARENT_OF]->(c:Fragment) WHERE c.id IN $ids RETURN DISTINCT p.doc AS doc`
	cypherByFile   = `MATCH (f:Fragment {file_id: $file_id}) RETURN f.doc AS doc ORDER BY f.level, f.id`
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

type runner interface {
	run(ctx context.Context, cypher string, params map[string]any) ([]string, error)
	close(ctx context.Context) error
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r driverRunner) run(ctx context.Context, cypher string, params map[string]any) ([]string, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithReadersRouting()}
	if r.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(r.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, r.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	docs := make([]string, 0, len(result.Records))
	for _, record := range result.Records {
		doc, _, err := neo4j.GetRecordValue[string](record, "doc")
		if err != nil {
			return nil, domain.WrapError(domain.ErrMalformedPayload, "neo4j record", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r driverRunner) close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// FragmentStore reads fragment tree nodes from a neo4j graph.
type FragmentStore struct {
	runner   runner
	executor *resilience.Executor
}

var _ ports.FragmentStore = (*FragmentStore)(nil)

func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*FragmentStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, domain.WrapError(domain.ErrUpstreamUnavailable, "neo4j connect", err)
	}
	return newFragmentStore(driverRunner{driver: driver, database: cfg.Database}, executor), nil
}

func newFragmentStore(r runner, executor *resilience.Executor) *FragmentStore {
	return &FragmentStore{runner: r, executor: executor}
}

func (s *FragmentStore) Close(ctx context.Context) error {
	return s.runner.close(ctx)
}

func (s *FragmentStore) GetByIDs(ctx context.Context, ids []string) ([]domain.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.query(ctx, "neo4j fragments by id", cypherByIDs, map[string]any{"ids": ids})
}

func (s *FragmentStore) GetChildren(ctx context.Context, parentIDs []string) ([]domain.Fragment, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return s.query(ctx, "neo4j fragment children", cypherChildren, map[string]any{"ids": parentIDs})
}

func (s *FragmentStore) GetParents(ctx context.Context, ids []string) ([]domain.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.query(ctx, "neo4j fragment parents", cypherParents, map[string]any{"ids": ids})
}

func (s *FragmentStore) ListByFile(ctx context.Context, fileID string) ([]domain.Fragment, error) {
	return s.query(ctx, "neo4j fragments by file", cypherByFile, map[string]any{"file_id": fileID})
}

func (s *FragmentStore) query(ctx context.Context, operation, cypher string, params map[string]any) ([]domain.Fragment, error) {
	docs, err := resilience.Call(ctx, s.executor, operation, func(ctx context.Context) ([]string, error) {
		return s.runner.run(ctx, cypher, params)
	}, resilience.ClassifyUpstream)
	if err != nil {
		return nil, resilience.WrapUpstream(operation, err)
	}

	out := make([]domain.Fragment, 0, len(docs))
	for i, doc := range docs {
		var f domain.Fragment
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			return nil, domain.WrapError(domain.ErrMalformedPayload, operation, fmt.Errorf("decode fragment %d: %w", i, err))
		}
		out = append(out, f)
	}
	return out, nil
}

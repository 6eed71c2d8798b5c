package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

type fakeRunner struct {
	cyphers []string
	params  []map[string]any
	docs    []string
	err     error
}

func (r *fakeRunner) run(_ context.Context, cypher string, params map[string]any) ([]string, error) {
	r.cyphers = append(r.cyphers, cypher)
	r.params = append(r.params, params)
	return r.docs, r.err
}

func (r *fakeRunner) close(context.Context) error { return nil }

func TestGetChildrenFollowsParentEdges(t *testing.T) {
	runner := &fakeRunner{docs: []string{
		`{"uuid":"c1","parent_frament_uuid":"p","level":3,"leaf":true}`,
		`{"uuid":"c2","parent_frament_uuid":"p","level":3,"leaf":true}`,
	}}
	store := newFragmentStore(runner, nil)

	got, err := store.GetChildren(context.Background(), []string{"p"})
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "c1" || got[1].ParentID != "p" {
		t.Fatalf("unexpected children %+v", got)
	}
	if !strings.Contains(runner.cyphers[0], "(p:Fragment)-[:PARENT_OF]->(c:Fragment) WHERE p.id IN $ids") {
		t.Fatalf("unexpected cypher %s", runner.cyphers[0])
	}
	ids, _ := runner.params[0]["ids"].([]string)
	if len(ids) != 1 || ids[0] != "p" {
		t.Fatalf("unexpected params %v", runner.params[0])
	}
}

func TestGetParentsSkipsEmptyInput(t *testing.T) {
	runner := &fakeRunner{}
	got, err := newFragmentStore(runner, nil).GetParents(context.Background(), nil)
	if err != nil || got != nil || len(runner.cyphers) != 0 {
		t.Fatalf("expected no query, got %v %v %v", got, err, runner.cyphers)
	}
}

func TestListByFilePassesFileID(t *testing.T) {
	runner := &fakeRunner{docs: []string{`{"uuid":"root","file_uuid":"doc","level":1}`}}
	got, err := newFragmentStore(runner, nil).ListByFile(context.Background(), "doc")
	if err != nil || len(got) != 1 {
		t.Fatalf("ListByFile() = %v, %v", got, err)
	}
	if runner.params[0]["file_id"] != "doc" {
		t.Fatalf("unexpected params %v", runner.params[0])
	}
}

func TestQueryErrorsAreTagged(t *testing.T) {
	_, err := newFragmentStore(&fakeRunner{err: errors.New("routing table unavailable")}, nil).
		GetByIDs(context.Background(), []string{"a"})
	if !domain.IsKind(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}

	_, err = newFragmentStore(&fakeRunner{docs: []string{"{"}}, nil).GetByIDs(context.Background(), []string{"a"})
	if !domain.IsKind(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

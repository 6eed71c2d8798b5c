package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

type fakeFragmentStore struct {
	mu        sync.Mutex
	fragments map[string]domain.Fragment
	calls     map[string]int
	err       error
}

func newFakeFragmentStore(fragments ...domain.Fragment) *fakeFragmentStore {
	s := &fakeFragmentStore{fragments: make(map[string]domain.Fragment), calls: make(map[string]int)}
	for _, f := range fragments {
		s.fragments[f.ID] = f
	}
	return s
}

func (s *fakeFragmentStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.err
}

func (s *fakeFragmentStore) GetByIDs(_ context.Context, ids []string) ([]domain.Fragment, error) {
	if err := s.record("by_ids"); err != nil {
		return nil, err
	}
	out := make([]domain.Fragment, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.fragments[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeFragmentStore) GetChildren(_ context.Context, parentIDs []string) ([]domain.Fragment, error) {
	if err := s.record("children"); err != nil {
		return nil, err
	}
	var out []domain.Fragment
	for _, f := range s.fragments {
		for _, pid := range parentIDs {
			if f.ParentID == pid {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

func (s *fakeFragmentStore) GetParents(_ context.Context, ids []string) ([]domain.Fragment, error) {
	if err := s.record("parents"); err != nil {
		return nil, err
	}
	var out []domain.Fragment
	for _, id := range ids {
		child, ok := s.fragments[id]
		if !ok {
			continue
		}
		if parent, ok := s.fragments[child.ParentID]; ok {
			out = append(out, parent)
		}
	}
	return out, nil
}

type fakeContentStore struct {
	mu    sync.Mutex
	texts map[string]string
	calls int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{texts: make(map[string]string)}
}

func (s *fakeContentStore) put(fileID, locator, text string) {
	s.texts[fileID+"|"+locator] = text
}

func (s *fakeContentStore) GetByLocators(_ context.Context, fileID string, locators []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make(map[string]string, len(locators))
	for _, l := range locators {
		if text, ok := s.texts[fileID+"|"+l]; ok {
			out[l] = text
		}
	}
	return out, nil
}

type fakeMarkup struct{}

func (fakeMarkup) IsTableMarkup(content string) bool {
	return strings.HasPrefix(content, "<table")
}

func (fakeMarkup) ToText(markup string) (string, error) {
	return "| converted |", nil
}

// fakeReranker scores by substring containment and can be switched to fail.
type fakeReranker struct {
	mu      sync.Mutex
	calls   int
	sizes   []int
	err     error
	scoreFn func(query, text string) float64
}

func (r *fakeReranker) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	r.mu.Lock()
	r.calls++
	r.sizes = append(r.sizes, len(texts))
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(texts))
	for i, text := range texts {
		if r.scoreFn != nil {
			out[i] = r.scoreFn(query, text)
			continue
		}
		if strings.Contains(text, query) {
			out[i] = 4
		} else {
			out[i] = -4
		}
	}
	return out, nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string, _ int) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			v = []float32{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}

type fakeLexical struct {
	mu      sync.Mutex
	queries []domain.LexicalQuery
	hits    func(q domain.LexicalQuery) ([]domain.SearchHit, error)
}

func (l *fakeLexical) Search(_ context.Context, q domain.LexicalQuery) ([]domain.SearchHit, error) {
	l.mu.Lock()
	l.queries = append(l.queries, q)
	l.mu.Unlock()
	if l.hits == nil {
		return nil, nil
	}
	return l.hits(q)
}

type fakeVector struct {
	mu      sync.Mutex
	queries []domain.VectorQuery
	hits    []domain.SearchHit
	err     error
}

func (v *fakeVector) Search(_ context.Context, q domain.VectorQuery) ([]domain.SearchHit, error) {
	v.mu.Lock()
	v.queries = append(v.queries, q)
	v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	return v.hits, nil
}

var errUpstream = domain.WrapError(domain.ErrUpstreamUnavailable, "fake", errors.New("connection refused"))

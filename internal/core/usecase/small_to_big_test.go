package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
)

// promotionTree builds a root with two sections. Section A is already over budget;
// its leaf g is small.
func promotionTree() (*fakeFragmentStore, *fakeContentStore) {
	store := newFakeFragmentStore(
		domain.Fragment{ID: "root", FileID: "doc", Locators: []string{"1,1"}, Level: 1, ChildIDs: []string{"A", "B"}, TokenLength: 10, TreeTokenLength: 2610},
		domain.Fragment{ID: "A", FileID: "doc", Locators: []string{"2,1"}, Level: 2, ParentID: "root", ChildIDs: []string{"g", "g2"}, TokenLength: 50, TreeTokenLength: 2500},
		domain.Fragment{ID: "B", FileID: "doc", Locators: []string{"5,1"}, Level: 2, ParentID: "root", Leaf: true, TokenLength: 100, TreeTokenLength: 100},
		domain.Fragment{ID: "g", FileID: "doc", Locators: []string{"2,2"}, Level: 3, ParentID: "A", Leaf: true, TokenLength: 100, TreeTokenLength: 100, EmbedText: "small leaf"},
		domain.Fragment{ID: "g2", FileID: "doc", Locators: []string{"3,1"}, Level: 3, ParentID: "A", Leaf: true, TokenLength: 2350, TreeTokenLength: 2350, EmbedText: "large leaf"},
	)
	contents := newFakeContentStore()
	contents.put("doc", "1,1", "Report")
	contents.put("doc", "2,1", "Section A")
	contents.put("doc", "2,2", "small leaf text")
	contents.put("doc", "3,1", "large leaf text")
	contents.put("doc", "5,1", "Section B")
	return store, contents
}

func candidateFromTree(t *testing.T, tree *FragmentTree, id string, pre float64) *domain.RetrieveContext {
	t.Helper()
	f, ok := tree.Get(id)
	if !ok {
		t.Fatalf("fragment %s not cached", id)
	}
	c := &domain.RetrieveContext{Origin: domain.FragmentOrigin(f), Type: domain.RetrieveParagraph, PreScore: pre, RelevanceScore: pre}
	if err := assembleCandidate(tree, c); err != nil {
		t.Fatalf("assembleCandidate(%s) error = %v", id, err)
	}
	return c
}

func TestSmallToBigPromotesExactlyOneLevel(t *testing.T) {
	store, contents := promotionTree()
	tree := NewFragmentTree(store, contents, FragmentTreeOptions{})
	tree.Add(store.fragments["g"])
	if err := tree.LoadContents(context.Background(), []domain.ContentRef{{FileID: "doc", Locator: "2,2"}}); err != nil {
		t.Fatalf("LoadContents() error = %v", err)
	}
	leaf := candidateFromTree(t, tree, "g", 0.6)

	out, err := NewSmallToBig(nil, nil, SmallToBigConfig{}).Expand(context.Background(), "corr", tree, []*domain.RetrieveContext{leaf}, 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one candidate, got %d", len(out))
	}
	promoted := out[0]
	if promoted.Origin.ID() != "A" {
		t.Fatalf("expected promotion to direct parent A, got %s", promoted.Origin.ID())
	}
	if promoted.PreScore != 0.6 || promoted.RelevanceScore != 0.6 {
		t.Fatalf("expected child scores carried forward, got %+v", promoted)
	}
	if len(promoted.Related) != 1 || promoted.Related[0] != leaf {
		t.Fatalf("expected child recorded as related")
	}
	if fmt.Sprint(promoted.Locators()) != "[2,1 2,2 3,1]" {
		t.Fatalf("unexpected promoted locators %v", promoted.Locators())
	}
	if promoted.Text != "### Section A\nsmall leaf text\nlarge leaf text" {
		t.Fatalf("unexpected promoted text %q", promoted.Text)
	}
	if _, ok := tree.Get("root"); ok {
		t.Fatalf("expected root never fetched")
	}
}

func TestSmallToBigKeepsLeavesOverBudget(t *testing.T) {
	store, contents := promotionTree()
	tree := NewFragmentTree(store, contents, FragmentTreeOptions{})
	tree.Add(store.fragments["g2"])
	if err := tree.LoadContents(context.Background(), []domain.ContentRef{{FileID: "doc", Locator: "3,1"}}); err != nil {
		t.Fatalf("LoadContents() error = %v", err)
	}
	big := candidateFromTree(t, tree, "g2", 0.5)

	out, err := NewSmallToBig(nil, nil, SmallToBigConfig{}).Expand(context.Background(), "corr", tree, []*domain.RetrieveContext{big}, 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(out) != 1 || out[0] != big {
		t.Fatalf("expected the large leaf unchanged")
	}
	if store.calls["parents"] != 0 {
		t.Fatalf("expected no parent lookups, got %d", store.calls["parents"])
	}
}

func TestSmallToBigFoldsPromotedParentIntoEarlierOverlap(t *testing.T) {
	store, contents := promotionTree()
	tree := NewFragmentTree(store, contents, FragmentTreeOptions{})
	tree.Add(store.fragments["g"], store.fragments["g2"])
	refs := []domain.ContentRef{{FileID: "doc", Locator: "2,2"}, {FileID: "doc", Locator: "3,1"}}
	if err := tree.LoadContents(context.Background(), refs); err != nil {
		t.Fatalf("LoadContents() error = %v", err)
	}
	big := candidateFromTree(t, tree, "g2", 0.7)
	small := candidateFromTree(t, tree, "g", 0.4)

	out, err := NewSmallToBig(nil, nil, SmallToBigConfig{}).Expand(context.Background(), "corr", tree, []*domain.RetrieveContext{big, small}, 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if len(out) != 1 || out[0] != big {
		t.Fatalf("expected only the earlier candidate emitted, got %d", len(out))
	}
	if len(big.Related) != 1 || big.Related[0].Origin.ID() != "A" {
		t.Fatalf("expected promoted parent folded into big's related list")
	}
}

type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func TestSmallToBigCountsTokensWhenSubtreeLengthMissing(t *testing.T) {
	store, contents := promotionTree()
	g := store.fragments["g"]
	g.TreeTokenLength = 0
	store.fragments["g"] = g

	tree := NewFragmentTree(store, contents, FragmentTreeOptions{})
	tree.Add(g)
	if err := tree.LoadContents(context.Background(), []domain.ContentRef{{FileID: "doc", Locator: "2,2"}}); err != nil {
		t.Fatalf("LoadContents() error = %v", err)
	}
	leaf := candidateFromTree(t, tree, "g", 0.6)

	out, err := NewSmallToBig(runeCounter{}, nil, SmallToBigConfig{TokenBudget: 10}).Expand(context.Background(), "corr", tree, []*domain.RetrieveContext{leaf}, 1)
	if err != nil {
		t.Fatalf("Expand() error = %v", err)
	}
	if out[0] != leaf {
		t.Fatalf("expected counted text over the budget to block promotion")
	}
}

func TestOrderByDocuments(t *testing.T) {
	mk := func(file string, n int) *domain.RetrieveContext {
		return &domain.RetrieveContext{Origin: domain.FragmentOrigin(&domain.Fragment{ID: fmt.Sprintf("%s%d", file, n), FileID: file})}
	}
	a1, a2, b1, a3, c1 := mk("a", 1), mk("a", 2), mk("b", 1), mk("a", 3), mk("c", 1)
	input := []*domain.RetrieveContext{a1, a2, b1, a3, c1}

	ids := func(cs []*domain.RetrieveContext) string {
		out := ""
		for _, c := range cs {
			out += c.Origin.ID() + " "
		}
		return out
	}

	if got := ids(orderByDocuments(input, 2, 4, 3)); got != "a1 b1 c1 a2 a3 " {
		t.Fatalf("few documents: got %q", got)
	}
	if got := ids(orderByDocuments(input, 5, 4, 2)); got != "a1 a2 b1 c1 " {
		t.Fatalf("many documents: got %q", got)
	}
}

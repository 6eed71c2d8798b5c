package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const defaultMaxTreeDepth = 32

// FragmentTree is a request-scoped view over the fragment graph. Its caches only grow.
type FragmentTree struct {
	store     ports.FragmentStore
	contents  ports.ContentStore
	snapshots ports.FragmentSnapshotStore
	markup    ports.TableMarkupConverter
	logger    *slog.Logger
	maxDepth  int

	mu        sync.RWMutex
	fragments map[string]*domain.Fragment
	texts     map[string]string
	preloaded map[string]struct{}
}

type FragmentTreeOptions struct {
	Snapshots ports.FragmentSnapshotStore
	Markup    ports.TableMarkupConverter
	Logger    *slog.Logger
	MaxDepth  int
}

func NewFragmentTree(store ports.FragmentStore, contents ports.ContentStore, opts FragmentTreeOptions) *FragmentTree {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxTreeDepth
	}
	return &FragmentTree{
		store:     store,
		contents:  contents,
		snapshots: opts.Snapshots,
		markup:    opts.Markup,
		logger:    logger,
		maxDepth:  maxDepth,
		fragments: make(map[string]*domain.Fragment),
		texts:     make(map[string]string),
		preloaded: make(map[string]struct{}),
	}
}

func (t *FragmentTree) Add(fragments ...domain.Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range fragments {
		f := fragments[i]
		t.fragments[f.ID] = &f
	}
}

func (t *FragmentTree) Get(id string) (*domain.Fragment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.fragments[id]
	return f, ok
}

func (t *FragmentTree) has(id string) bool {
	_, ok := t.Get(id)
	return ok
}

func (t *FragmentTree) missing(ids []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := t.fragments[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// PreloadFiles fills the cache from whole-file snapshots when a snapshot store is configured.
func (t *FragmentTree) PreloadFiles(ctx context.Context, correlationID string, fileIDs []string) {
	if t.snapshots == nil {
		return
	}
	for _, fileID := range fileIDs {
		t.mu.RLock()
		_, done := t.preloaded[fileID]
		t.mu.RUnlock()
		if done {
			continue
		}

		fragments, ok, err := t.snapshots.GetFileFragments(ctx, fileID)
		if err != nil {
			t.logger.Warn("fragment_snapshot_failed", "correlation_id", correlationID, "file_id", fileID, "error", err)
			continue
		}
		t.mu.Lock()
		t.preloaded[fileID] = struct{}{}
		t.mu.Unlock()
		if ok {
			t.Add(fragments...)
		}
	}
}

// Hydrate replaces partial search-hit fragments with full store records.
func (t *FragmentTree) Hydrate(ctx context.Context, partial []*domain.Fragment) error {
	ids := make([]string, 0, len(partial))
	for _, f := range partial {
		if f != nil {
			ids = append(ids, f.ID)
		}
	}
	missing := t.missing(ids)
	if len(missing) == 0 {
		return nil
	}
	fetched, err := t.store.GetByIDs(ctx, missing)
	if err != nil {
		return fmt.Errorf("hydrate fragments: %w", err)
	}
	t.Add(fetched...)
	return nil
}

// ResolveAncestors walks parent links level by level, fetching missing parents in batches.
// maxLevels <= 0 walks to the root.
func (t *FragmentTree) ResolveAncestors(ctx context.Context, fragments []*domain.Fragment, maxLevels int) error {
	frontier := make([]*domain.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f != nil {
			frontier = append(frontier, f)
		}
	}
	visited := make(map[string]struct{}, len(frontier))
	for _, f := range frontier {
		visited[f.ID] = struct{}{}
	}

	for level := 0; len(frontier) > 0; level++ {
		if maxLevels > 0 && level >= maxLevels {
			return nil
		}
		if level >= t.maxDepth {
			return domain.WrapError(domain.ErrTreeIntegrity, "resolve ancestors", fmt.Errorf("depth exceeds %d", t.maxDepth))
		}

		var orphans []string
		for _, f := range frontier {
			if f.HasParent() && !t.has(f.ParentID) {
				orphans = append(orphans, f.ID)
			}
		}
		if len(orphans) > 0 {
			parents, err := t.store.GetParents(ctx, orphans)
			if err != nil {
				return fmt.Errorf("get parents: %w", err)
			}
			t.Add(parents...)
		}

		next := make([]*domain.Fragment, 0, len(frontier))
		for _, f := range frontier {
			if !f.HasParent() {
				continue
			}
			if _, seen := visited[f.ParentID]; seen {
				continue
			}
			parent, ok := t.Get(f.ParentID)
			if !ok {
				continue
			}
			visited[parent.ID] = struct{}{}
			next = append(next, parent)
		}
		frontier = next
	}
	return nil
}

// ResolveDescendants fetches every descendant breadth-first and returns the content
// references needed to assemble the subtrees.
func (t *FragmentTree) ResolveDescendants(ctx context.Context, fragments []*domain.Fragment) ([]domain.ContentRef, error) {
	frontier := make([]*domain.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f != nil {
			frontier = append(frontier, f)
		}
	}

	visited := make(map[string]struct{})
	refSeen := make(map[string]struct{})
	var refs []domain.ContentRef

	for depth := 0; len(frontier) > 0; depth++ {
		if depth > t.maxDepth {
			return refs, domain.WrapError(domain.ErrTreeIntegrity, "resolve descendants", fmt.Errorf("depth exceeds %d", t.maxDepth))
		}

		var childIDs []string
		var undenormalized []string
		for _, f := range frontier {
			if _, ok := visited[f.ID]; ok {
				continue
			}
			visited[f.ID] = struct{}{}
			for _, l := range f.Locators {
				ref := domain.ContentRef{FileID: f.FileID, Locator: l}
				if _, ok := refSeen[ref.Key()]; !ok {
					refSeen[ref.Key()] = struct{}{}
					refs = append(refs, ref)
				}
			}
			if !f.Leaf && len(f.ChildIDs) == 0 {
				undenormalized = append(undenormalized, f.ID)
			}
			childIDs = append(childIDs, f.ChildIDs...)
		}

		if len(undenormalized) > 0 {
			children, err := t.store.GetChildren(ctx, undenormalized)
			if err != nil {
				return refs, fmt.Errorf("get children: %w", err)
			}
			t.Add(children...)
			t.linkChildren(children)
			for _, c := range children {
				childIDs = append(childIDs, c.ID)
			}
		}

		if missing := t.missing(childIDs); len(missing) > 0 {
			fetched, err := t.store.GetByIDs(ctx, missing)
			if err != nil {
				return refs, fmt.Errorf("get children by ids: %w", err)
			}
			t.Add(fetched...)
		}

		next := make([]*domain.Fragment, 0, len(childIDs))
		for _, id := range childIDs {
			if _, ok := visited[id]; ok {
				continue
			}
			if child, ok := t.Get(id); ok {
				next = append(next, child)
			}
		}
		frontier = next
	}
	return refs, nil
}

// linkChildren records child ids on cached parents that were stored without them.
func (t *FragmentTree) linkChildren(children []domain.Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range children {
		parent, ok := t.fragments[c.ParentID]
		if !ok {
			continue
		}
		exists := false
		for _, id := range parent.ChildIDs {
			if id == c.ID {
				exists = true
				break
			}
		}
		if !exists {
			parent.ChildIDs = append(parent.ChildIDs, c.ID)
		}
	}
}

// LoadContents fetches raw text for refs not yet cached, one store call per file.
func (t *FragmentTree) LoadContents(ctx context.Context, refs []domain.ContentRef) error {
	byFile := make(map[string][]string)
	order := make([]string, 0)
	t.mu.RLock()
	for _, ref := range refs {
		if _, ok := t.texts[ref.Key()]; ok {
			continue
		}
		if _, ok := byFile[ref.FileID]; !ok {
			order = append(order, ref.FileID)
		}
		byFile[ref.FileID] = append(byFile[ref.FileID], ref.Locator)
	}
	t.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, fileID := range order {
		g.Go(func() error {
			texts, err := t.contents.GetByLocators(gctx, fileID, byFile[fileID])
			if err != nil {
				return fmt.Errorf("load contents for %s: %w", fileID, err)
			}
			t.mu.Lock()
			for locator, text := range texts {
				t.texts[domain.ContentRef{FileID: fileID, Locator: locator}.Key()] = text
			}
			t.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (t *FragmentTree) content(fileID, locator string) (string, error) {
	t.mu.RLock()
	text, ok := t.texts[domain.ContentRef{FileID: fileID, Locator: locator}.Key()]
	t.mu.RUnlock()
	if !ok {
		return "", domain.WrapError(domain.ErrCacheConsistency, "read content", fmt.Errorf("%s|%s not cached", fileID, locator))
	}
	return text, nil
}

// ContentText returns cached raw text at (file, first locator) with table markup normalised.
func (t *FragmentTree) ContentText(fileID string, locators []string) (string, error) {
	if len(locators) == 0 {
		return "", nil
	}
	raw, err := t.content(fileID, locators[0])
	if err != nil {
		return "", err
	}
	return t.normalizeMarkup(raw), nil
}

func (t *FragmentTree) normalizeMarkup(raw string) string {
	if t.markup == nil || !t.markup.IsTableMarkup(raw) {
		return raw
	}
	text, err := t.markup.ToText(raw)
	if err != nil {
		t.logger.Debug("table_markup_unparsed", "error", err)
		return raw
	}
	return text
}

func (t *FragmentTree) child(parent *domain.Fragment, id string) (*domain.Fragment, error) {
	c, ok := t.Get(id)
	if !ok {
		return nil, domain.WrapError(domain.ErrCacheConsistency, "read fragment",
			fmt.Errorf("child %s of %s not cached", id, parent.ID))
	}
	return c, nil
}

type walkGuard struct {
	maxDepth int
	path     map[string]struct{}
}

func (t *FragmentTree) newGuard() *walkGuard {
	return &walkGuard{maxDepth: t.maxDepth, path: make(map[string]struct{})}
}

func (g *walkGuard) enter(f *domain.Fragment, depth int) error {
	if depth > g.maxDepth {
		return domain.WrapError(domain.ErrTreeIntegrity, "walk fragment tree", fmt.Errorf("depth exceeds %d at %s", g.maxDepth, f.ID))
	}
	if _, ok := g.path[f.ID]; ok {
		return domain.WrapError(domain.ErrTreeIntegrity, "walk fragment tree", fmt.Errorf("cycle at %s", f.ID))
	}
	g.path[f.ID] = struct{}{}
	return nil
}

func (g *walkGuard) leave(f *domain.Fragment) {
	delete(g.path, f.ID)
}

// AssembleLocators returns the sorted, deduplicated locator union of a subtree.
func (t *FragmentTree) AssembleLocators(f *domain.Fragment) ([]string, error) {
	if f.Leaf {
		return domain.SortedLocatorSet(f.Locators), nil
	}
	var all []string
	if err := t.collectLocators(f, t.newGuard(), 0, &all); err != nil {
		return nil, err
	}
	return domain.SortedLocatorSet(all), nil
}

func (t *FragmentTree) collectLocators(f *domain.Fragment, guard *walkGuard, depth int, out *[]string) error {
	if err := guard.enter(f, depth); err != nil {
		return err
	}
	defer guard.leave(f)

	*out = append(*out, f.Locators...)
	if f.Leaf {
		return nil
	}
	for _, id := range f.ChildIDs {
		c, err := t.child(f, id)
		if err != nil {
			return err
		}
		if err := t.collectLocators(c, guard, depth+1, out); err != nil {
			return err
		}
	}
	return nil
}

// AssembleText renders a subtree: leaves as raw content, internal nodes as a heading
// followed by the text of children that still point back to them.
func (t *FragmentTree) AssembleText(f *domain.Fragment) (string, error) {
	return t.assembleText(f, t.newGuard(), 0)
}

func (t *FragmentTree) assembleText(f *domain.Fragment, guard *walkGuard, depth int) (string, error) {
	if len(f.Locators) == 0 {
		return "", nil
	}
	if err := guard.enter(f, depth); err != nil {
		return "", err
	}
	defer guard.leave(f)

	own, err := t.ContentText(f.FileID, f.Locators)
	if err != nil {
		return "", err
	}
	if f.Leaf {
		return own, nil
	}

	childTexts := make([]string, 0, len(f.ChildIDs))
	for _, id := range f.ChildIDs {
		c, err := t.child(f, id)
		if err != nil {
			return "", err
		}
		if c.ParentID != f.ID {
			continue
		}
		text, err := t.assembleText(c, guard, depth+1)
		if err != nil {
			return "", err
		}
		childTexts = append(childTexts, text)
	}
	childTexts = dedupStrings(childTexts)

	return strings.Repeat("#", f.Level+1) + " " + own + "\n" + strings.Join(childTexts, "\n"), nil
}

// AssembleAllTexts returns the same traversal as AssembleText as a flat list.
func (t *FragmentTree) AssembleAllTexts(f *domain.Fragment) ([]string, error) {
	return t.assembleAllTexts(f, t.newGuard(), 0)
}

func (t *FragmentTree) assembleAllTexts(f *domain.Fragment, guard *walkGuard, depth int) ([]string, error) {
	if len(f.Locators) == 0 {
		return nil, nil
	}
	if err := guard.enter(f, depth); err != nil {
		return nil, err
	}
	defer guard.leave(f)

	own, err := t.ContentText(f.FileID, f.Locators)
	if err != nil {
		return nil, err
	}
	if f.Leaf {
		return []string{own}, nil
	}

	var childTexts []string
	for _, id := range f.ChildIDs {
		c, err := t.child(f, id)
		if err != nil {
			return nil, err
		}
		if c.ParentID != f.ID {
			continue
		}
		texts, err := t.assembleAllTexts(c, guard, depth+1)
		if err != nil {
			return nil, err
		}
		childTexts = append(childTexts, texts...)
	}
	return append([]string{own}, dedupStrings(childTexts)...), nil
}

func dedupStrings(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

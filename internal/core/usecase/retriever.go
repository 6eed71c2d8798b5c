package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const (
	channelFixedTable       = "fixed_table"
	channelQueryEmbedding   = "query_embedding"
	channelTableLexical     = "table_lexical"
	channelParagraphLexical = "paragraph_lexical"
	channelParagraphDense   = "paragraph_dense"

	fieldKeywords  = "keywords"
	fieldEmbedText = "ebed_text"
	fieldEmbedding = "embedding"
)

type RetrieverConfig struct {
	RRFK                float64
	FixedTableThreshold float64
	TableEmbedThreshold float64
	EmbedDimension      int
	DenseMinScore       float64
	SubQueryTimeout     time.Duration
	Concurrency         int

	TableSizePerFile     int
	TableSizeMax         int
	ParagraphSizePerFile int
	ParagraphSizeMax     int
	FixedTableSize       int
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.RRFK <= 0 {
		c.RRFK = defaultRRFK
	}
	if c.TableEmbedThreshold <= 0 {
		c.TableEmbedThreshold = 0.5
	}
	if c.SubQueryTimeout <= 0 {
		c.SubQueryTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.TableSizePerFile <= 0 {
		c.TableSizePerFile = 4
	}
	if c.TableSizeMax <= 0 {
		c.TableSizeMax = 10
	}
	if c.ParagraphSizePerFile <= 0 {
		c.ParagraphSizePerFile = 20
	}
	if c.ParagraphSizeMax <= 0 {
		c.ParagraphSizeMax = 25
	}
	if c.FixedTableSize <= 0 {
		c.FixedTableSize = 50
	}
	return c
}

// RetrievalResult holds the fused candidates of one question. Fixed-table rows bypass fusion.
type RetrievalResult struct {
	Fixed      []*domain.RetrieveContext
	Candidates []*domain.RetrieveContext
	Degraded   []string
}

// MultiPathRetriever runs the fixed-table, table and paragraph paths and fuses their channels.
type MultiPathRetriever struct {
	lexical  ports.LexicalSearcher
	vector   ports.VectorSearcher
	embedder ports.Embedder
	fixed    *fixedTableMatcher
	observer ports.PipelineObserver
	logger   *slog.Logger
	cfg      RetrieverConfig
}

func NewMultiPathRetriever(
	lexical ports.LexicalSearcher,
	vector ports.VectorSearcher,
	embedder ports.Embedder,
	fixedTables []domain.FixedTable,
	observer ports.PipelineObserver,
	logger *slog.Logger,
	cfg RetrieverConfig,
) *MultiPathRetriever {
	cfg = cfg.withDefaults()
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiPathRetriever{
		lexical:  lexical,
		vector:   vector,
		embedder: embedder,
		fixed:    newFixedTableMatcher(fixedTables, embedder, cfg.EmbedDimension, cfg.FixedTableThreshold),
		observer: observer,
		logger:   logger,
		cfg:      cfg,
	}
}

// channelTracker records per-channel outcomes of one request.
type channelTracker struct {
	mu        sync.Mutex
	attempted int
	failed    int
	degraded  []string
}

func (t *channelTracker) ok() {
	t.mu.Lock()
	t.attempted++
	t.mu.Unlock()
}

func (t *channelTracker) fail(channel string) {
	t.mu.Lock()
	t.attempted++
	t.failed++
	t.degraded = append(t.degraded, channel)
	t.mu.Unlock()
}

func (r *MultiPathRetriever) Retrieve(ctx context.Context, correlationID string, q domain.Question) (*RetrievalResult, error) {
	targets := q.TargetFileIDs()
	if len(targets) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("no target documents"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SubQueryTimeout)
	defer cancel()

	tracker := &channelTracker{}
	result := &RetrievalResult{}

	fixedRows := r.fixedTablePath(ctx, correlationID, q, targets, tracker)
	covered := make(map[string]struct{})
	for _, row := range fixedRows {
		covered[row.FileID] = struct{}{}
		result.Fixed = append(result.Fixed, &domain.RetrieveContext{
			Origin: domain.TableRowOrigin(row),
			Type:   domain.RetrieveFixedTable,
		})
	}

	remaining := make([]string, 0, len(targets))
	for _, id := range targets {
		if _, ok := covered[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		result.Degraded = tracker.degraded
		return result, nil
	}

	queryVector := r.embedQuery(ctx, correlationID, q.QueryText(), tracker)

	var (
		tableRows     []FusedRow
		paragraphRows []FusedRow
	)
	g := new(errgroup.Group)
	g.SetLimit(2)
	g.Go(func() error {
		tableRows = r.tablePath(ctx, correlationID, q, remaining, queryVector, tracker)
		return nil
	})
	g.Go(func() error {
		paragraphRows = r.paragraphPath(ctx, correlationID, q, remaining, queryVector, tracker)
		return nil
	})
	_ = g.Wait()

	result.Degraded = tracker.degraded
	if tracker.attempted > 0 && tracker.failed == tracker.attempted {
		return nil, domain.WrapError(domain.ErrUpstreamUnavailable, "retrieve",
			fmt.Errorf("all %d channels failed: %s", tracker.failed, strings.Join(tracker.degraded, ",")))
	}

	result.Candidates = append(result.Candidates, rowsToContexts(tableRows, domain.RetrieveTable)...)
	result.Candidates = append(result.Candidates, rowsToContexts(paragraphRows, domain.RetrieveParagraph)...)
	return result, nil
}

func (r *MultiPathRetriever) degrade(correlationID, channel string, err error, tracker *channelTracker) {
	tracker.fail(channel)
	r.observer.ObserveChannel(channel, 0, true)
	r.logger.Warn("channel_degraded",
		"correlation_id", correlationID,
		"channel", channel,
		"error", err,
	)
}

func (r *MultiPathRetriever) succeed(channel string, hits int, tracker *channelTracker) {
	tracker.ok()
	r.observer.ObserveChannel(channel, hits, false)
}

func (r *MultiPathRetriever) fixedTablePath(ctx context.Context, correlationID string, q domain.Question, targets []string, tracker *channelTracker) []*domain.TableRow {
	if len(q.Keywords) != 1 {
		return nil
	}
	keyword := q.Keywords[0]
	match, ok, err := r.fixed.match(ctx, keyword)
	if err != nil {
		r.degrade(correlationID, channelFixedTable, err, tracker)
		return nil
	}
	if !ok {
		r.logger.Debug("fixed_table_unmatched",
			"correlation_id", correlationID,
			"keyword", keyword,
			"nearest", match.Key,
			"similarity", match.Score,
			"edit_similarity", match.Edit,
		)
		return nil
	}

	hits, err := r.lexical.Search(ctx, domain.LexicalQuery{
		Index:  domain.IndexTableRows,
		Text:   match.Key,
		Field:  fieldKeywords,
		Filter: domain.SearchFilter{FileIDs: targets, Titles: []string{match.Title}, FixedOnly: true},
		Size:   r.cfg.FixedTableSize,
	})
	if err != nil {
		r.degrade(correlationID, channelFixedTable, err, tracker)
		return nil
	}

	allowed := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		allowed[id] = struct{}{}
	}
	rows := make([]*domain.TableRow, 0, len(hits))
	for _, h := range hits {
		if h.Row == nil {
			continue
		}
		if _, ok := allowed[h.Row.FileID]; !ok {
			continue
		}
		rows = append(rows, h.Row)
	}
	r.succeed(channelFixedTable, len(rows), tracker)
	r.logger.Info("fixed_table_matched",
		"correlation_id", correlationID,
		"keyword", keyword,
		"title", match.Title,
		"rows", len(rows),
	)
	return rows
}

func (r *MultiPathRetriever) embedQuery(ctx context.Context, correlationID, text string, tracker *channelTracker) []float32 {
	vectors, err := r.embedder.Embed(ctx, []string{text}, r.cfg.EmbedDimension)
	if err == nil && (len(vectors) != 1 || len(vectors[0]) == 0) {
		err = domain.WrapError(domain.ErrMalformedPayload, "embed query", fmt.Errorf("got %d vectors", len(vectors)))
	}
	if err != nil {
		r.degrade(correlationID, channelQueryEmbedding, err, tracker)
		return nil
	}
	return vectors[0]
}

func (r *MultiPathRetriever) tablePath(ctx context.Context, correlationID string, q domain.Question, fileIDs []string, queryVector []float32, tracker *channelTracker) []FusedRow {
	if len(q.Keywords) == 0 {
		return nil
	}
	size := min(r.cfg.TableSizePerFile*len(fileIDs), r.cfg.TableSizeMax)

	perKeyword := make([][]domain.ChannelHit, len(q.Keywords))
	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for i, keyword := range q.Keywords {
		channel := fmt.Sprintf("%s:%d", channelTableLexical, i)
		g.Go(func() error {
			hits, err := r.lexical.Search(ctx, domain.LexicalQuery{
				Index:  domain.IndexTableRows,
				Text:   keyword,
				Field:  fieldKeywords,
				Filter: domain.SearchFilter{FileIDs: fileIDs},
				Size:   size,
			})
			if err != nil {
				r.degrade(correlationID, channelTableLexical, err, tracker)
				return nil
			}
			hits = r.gateTableRows(ctx, correlationID, hits, queryVector)
			r.succeed(channelTableLexical, len(hits), tracker)
			perKeyword[i] = tagHits(channel, hits)
			return nil
		})
	}
	_ = g.Wait()

	var all []domain.ChannelHit
	for _, hits := range perKeyword {
		all = append(all, hits...)
	}
	return fuseRRF(all, r.cfg.RRFK)
}

// gateTableRows keeps rows whose joined keywords are close enough to the question embedding.
func (r *MultiPathRetriever) gateTableRows(ctx context.Context, correlationID string, hits []domain.SearchHit, queryVector []float32) []domain.SearchHit {
	rows := make([]domain.SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.Row != nil {
			rows = append(rows, h)
		}
	}
	if len(queryVector) == 0 || len(rows) == 0 {
		return rows
	}

	texts := make([]string, len(rows))
	for i, h := range rows {
		texts[i] = strings.Join(h.Row.Keywords, "")
	}
	vectors, err := r.embedder.Embed(ctx, texts, r.cfg.EmbedDimension)
	if err != nil || len(vectors) != len(texts) {
		r.logger.Warn("table_embedding_gate_skipped", "correlation_id", correlationID, "error", err)
		return rows
	}
	out := rows[:0]
	for i, h := range rows {
		if cosine(queryVector, vectors[i]) >= r.cfg.TableEmbedThreshold {
			out = append(out, h)
		}
	}
	return out
}

func (r *MultiPathRetriever) paragraphPath(ctx context.Context, correlationID string, q domain.Question, fileIDs []string, queryVector []float32, tracker *channelTracker) []FusedRow {
	size := min(r.cfg.ParagraphSizePerFile*len(fileIDs), r.cfg.ParagraphSizeMax)
	filter := domain.SearchFilter{FileIDs: fileIDs}

	var lexicalHits, denseHits []domain.ChannelHit
	g := new(errgroup.Group)
	g.Go(func() error {
		hits, err := r.lexical.Search(ctx, domain.LexicalQuery{
			Index:  domain.IndexFragments,
			Text:   q.QueryText(),
			Field:  fieldEmbedText,
			Filter: filter,
			Size:   size,
		})
		if err != nil {
			r.degrade(correlationID, channelParagraphLexical, err, tracker)
			return nil
		}
		hits = fragmentHits(hits)
		r.succeed(channelParagraphLexical, len(hits), tracker)
		lexicalHits = tagHits(channelParagraphLexical, hits)
		return nil
	})
	if len(queryVector) > 0 {
		g.Go(func() error {
			hits, err := r.vector.Search(ctx, domain.VectorQuery{
				Index:  domain.IndexFragments,
				Field:  fieldEmbedding,
				Vector: queryVector,
				Filter: filter,
				Size:   size,
			})
			if err != nil {
				r.degrade(correlationID, channelParagraphDense, err, tracker)
				return nil
			}
			hits = r.filterDense(fragmentHits(hits))
			r.succeed(channelParagraphDense, len(hits), tracker)
			denseHits = tagHits(channelParagraphDense, hits)
			return nil
		})
	}
	_ = g.Wait()

	return trimRows(fuseRRF(append(lexicalHits, denseHits...), r.cfg.RRFK), size)
}

// filterDense drops tree roots, table-of-contents leaders and hits under the backend floor.
func (r *MultiPathRetriever) filterDense(hits []domain.SearchHit) []domain.SearchHit {
	out := hits[:0]
	for _, h := range hits {
		text := h.Fragment.EmbedText
		if text == "ROOT" || strings.Contains(text, ".......") {
			continue
		}
		if h.Score < r.cfg.DenseMinScore {
			continue
		}
		out = append(out, h)
	}
	return out
}

func fragmentHits(hits []domain.SearchHit) []domain.SearchHit {
	out := make([]domain.SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.Fragment != nil {
			out = append(out, h)
		}
	}
	return out
}

func rowsToContexts(rows []FusedRow, typ domain.RetrieveType) []*domain.RetrieveContext {
	out := make([]*domain.RetrieveContext, 0, len(rows))
	for _, row := range rows {
		best := row.Best()
		origin := best.Hit.Origin()
		if !origin.Valid() {
			continue
		}
		out = append(out, &domain.RetrieveContext{
			Origin:      origin,
			Type:        typ,
			ChannelHits: row.Hits,
			RankScore:   row.Score,
		})
	}
	return out
}

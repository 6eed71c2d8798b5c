package domain

import (
	"strings"
)

type RetrieveType string

const (
	RetrieveFixedTable RetrieveType = "fixed_table"
	RetrieveTable      RetrieveType = "table"
	RetrieveParagraph  RetrieveType = "paragraph"
)

type Index string

const (
	IndexFragments Index = "fragments"
	IndexTableRows Index = "table_rows"
)

type SearchFilter struct {
	FileIDs   []string
	Titles    []string
	FixedOnly bool
}

type LexicalQuery struct {
	Index  Index
	Text   string
	Field  string
	Filter SearchFilter
	Size   int
}

type VectorQuery struct {
	Index  Index
	Field  string
	Vector []float32
	Filter SearchFilter
	Size   int
}

// SearchHit is one ranked hit from a lexical or dense backend. Exactly one of Fragment or Row is set.
type SearchHit struct {
	ID       string
	Score    float64
	Fragment *Fragment
	Row      *TableRow
}

func (h SearchHit) Origin() Origin {
	if h.Fragment != nil {
		return FragmentOrigin(h.Fragment)
	}
	if h.Row != nil {
		return TableRowOrigin(h.Row)
	}
	return Origin{}
}

// ChannelHit tags a hit with the retrieval channel that produced it.
type ChannelHit struct {
	Channel string
	Key     string
	Score   float64
	Hit     SearchHit
}

// ContentRef addresses one raw content item of a document.
type ContentRef struct {
	FileID  string
	Locator string
}

func (r ContentRef) Key() string {
	return r.FileID + "|" + r.Locator
}

// Question is the parsed user question handed over by the QA orchestration layer.
type Question struct {
	Text           string   `json:"question"`
	RetrieveText   string   `json:"retrieve_question,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	FileIDs        []string `json:"file_ids"`
	LocatedFileIDs []string `json:"located_file_ids,omitempty"`
}

// QueryText is the text sent to search backends and the reranker.
func (q Question) QueryText() string {
	if strings.TrimSpace(q.RetrieveText) != "" {
		return q.RetrieveText
	}
	return q.Text
}

// TargetFileIDs prefers documents located by question analysis over the full candidate set.
func (q Question) TargetFileIDs() []string {
	ids := q.LocatedFileIDs
	if len(ids) == 0 {
		ids = q.FileIDs
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
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

// RetrieveContext is one candidate flowing through ranking and assembly.
type RetrieveContext struct {
	Origin          Origin
	Type            RetrieveType
	LocatorOverride []string
	Text            string
	AllTexts        []string
	ChannelHits     []ChannelHit

	RankScore      float64
	RelevanceScore float64
	RepeatScore    float64
	PreScore       float64
	AnswerScore    float64

	Related      []*RetrieveContext
	ReferenceTag string
}

func (c *RetrieveContext) FileID() string {
	return c.Origin.FileID()
}

// Locators returns the assembled locator set when present, the origin's otherwise.
func (c *RetrieveContext) Locators() []string {
	if len(c.LocatorOverride) > 0 {
		return c.LocatorOverride
	}
	return c.Origin.Locators()
}

// Key is the dedup identity (file id, locator set).
func (c *RetrieveContext) Key() string {
	return c.FileID() + "|" + strings.Join(c.Locators(), "|")
}

// Intersects reports whether both candidates come from the same file and share any locator.
func (c *RetrieveContext) Intersects(other *RetrieveContext) bool {
	if c == nil || other == nil || c.FileID() != other.FileID() {
		return false
	}
	own := make(map[string]struct{}, len(c.Locators()))
	for _, l := range c.Locators() {
		own[l] = struct{}{}
	}
	for _, l := range other.Locators() {
		if _, ok := own[l]; ok {
			return true
		}
	}
	return false
}

// AnswerTexts is the multi-granularity text list scored against a generated answer.
func (c *RetrieveContext) AnswerTexts() []string {
	if c.Text != "" && len(c.AllTexts) >= 2 {
		out := make([]string, 0, len(c.AllTexts)+1)
		out = append(out, c.Text)
		return append(out, c.AllTexts...)
	}
	if c.Text != "" {
		return []string{c.Text}
	}
	return []string{c.Origin.EmbedText()}
}

// HitCount counts the channel hits collapsed into this candidate, including folded duplicates.
func (c *RetrieveContext) HitCount() int {
	n := len(c.ChannelHits)
	if n == 0 {
		n = 1
	}
	for _, r := range c.Related {
		if r == nil {
			continue
		}
		if len(r.ChannelHits) == 0 {
			n++
			continue
		}
		n += len(r.ChannelHits)
	}
	return n
}

func (c *RetrieveContext) FinalScore() float64 {
	if c.AnswerScore > 0 {
		return c.AnswerScore
	}
	return c.PreScore
}

// Citation is the caller-facing view of a ranked candidate.
type Citation struct {
	ReferenceTag string       `json:"reference_tag,omitempty"`
	FileID       string       `json:"file_id"`
	OriginID     string       `json:"origin_id"`
	Type         RetrieveType `json:"type"`
	Locators     []string     `json:"locators"`
	Text         string       `json:"text"`
	Texts        []string     `json:"texts,omitempty"`
	Title        string       `json:"title,omitempty"`
	Score        float64      `json:"score"`
	PreScore     float64      `json:"pre_score"`
	Related      []string     `json:"related,omitempty"`
}

func (c *RetrieveContext) Citation() Citation {
	related := make([]string, 0, len(c.Related))
	for _, r := range c.Related {
		if r != nil {
			related = append(related, r.Origin.ID())
		}
	}
	title := ""
	if c.Origin.Row != nil {
		title = c.Origin.Row.Title
	}
	return Citation{
		ReferenceTag: c.ReferenceTag,
		FileID:       c.FileID(),
		OriginID:     c.Origin.ID(),
		Type:         c.Type,
		Locators:     c.Locators(),
		Text:         c.Text,
		Texts:        c.AnswerTexts(),
		Title:        title,
		Score:        c.FinalScore(),
		PreScore:     c.PreScore,
		Related:      related,
	}
}

// AssembledContext is the pre-generation result handed to prompt assembly.
type AssembledContext struct {
	CorrelationID string             `json:"correlation_id"`
	Candidates    []*RetrieveContext `json:"-"`
	Citations     []Citation         `json:"citations"`
	Prompt        string             `json:"prompt_context"`
	PromptTokens  int                `json:"prompt_tokens"`
	Degraded      []string           `json:"degraded_channels,omitempty"`
}

// RetrievalSession is kept between context assembly and answer reranking.
type RetrievalSession struct {
	Question Question
	Context  *AssembledContext
}

package domain

import (
	"sort"
	"strconv"
	"strings"
)

type ContentClass string

const (
	ContentText  ContentClass = "text"
	ContentTable ContentClass = "table"
	ContentTitle ContentClass = "title"
)

// Fragment is a node of a document's content tree.
type Fragment struct {
	ID              string       `json:"uuid"`
	FileID          string       `json:"file_uuid"`
	Locators        []string     `json:"ori_id"`
	Class           ContentClass `json:"type"`
	EmbedText       string       `json:"ebed_text"`
	ParentID        string       `json:"parent_frament_uuid,omitempty"`
	ChildIDs        []string     `json:"children_fragment_uuids,omitempty"`
	TokenLength     int          `json:"token_length"`
	TreeTokenLength int          `json:"tree_token_length"`
	Level           int          `json:"level"`
	Leaf            bool         `json:"leaf"`

	LeafSplitIdx    int `json:"leaf_split_idx,omitempty"`
	LeafSplitNum    int `json:"leaf_split_num,omitempty"`
	LeafStartOffset int `json:"leaf_start_offset,omitempty"`
	LeafEndOffset   int `json:"leaf_end_offset,omitempty"`

	TableTitleRowIdx int `json:"table_title_row_idx,omitempty"`
	TableStartRowIdx int `json:"table_start_row_idx,omitempty"`
	TableEndRowIdx   int `json:"table_end_row_idx,omitempty"`
}

func (f *Fragment) HasParent() bool {
	return f != nil && f.ParentID != ""
}

func (f *Fragment) SourceFileID() string     { return f.FileID }
func (f *Fragment) SourceLocators() []string { return f.Locators }
func (f *Fragment) SourceText() string       { return f.EmbedText }

// TableRow is a row-level record of an extracted table.
type TableRow struct {
	ID        string   `json:"uuid"`
	FileID    string   `json:"file_uuid"`
	Title     string   `json:"title"`
	Locators  []string `json:"ori_id"`
	Keywords  []string `json:"keywords"`
	EmbedText string   `json:"ebed_text"`
	Fixed     bool     `json:"fixed"`
}

func (r *TableRow) SourceFileID() string     { return r.FileID }
func (r *TableRow) SourceLocators() []string { return r.Locators }
func (r *TableRow) SourceText() string       { return r.EmbedText }

// Source is the capability set shared by every origin variant.
type Source interface {
	SourceFileID() string
	SourceLocators() []string
	SourceText() string
}

type OriginKind string

const (
	OriginFragment OriginKind = "fragment"
	OriginTableRow OriginKind = "table_row"
)

// Origin holds exactly one of Fragment or Row, selected by Kind.
type Origin struct {
	Kind     OriginKind
	Fragment *Fragment
	Row      *TableRow
}

func FragmentOrigin(f *Fragment) Origin {
	return Origin{Kind: OriginFragment, Fragment: f}
}

func TableRowOrigin(r *TableRow) Origin {
	return Origin{Kind: OriginTableRow, Row: r}
}

func (o Origin) source() Source {
	switch o.Kind {
	case OriginFragment:
		if o.Fragment != nil {
			return o.Fragment
		}
	case OriginTableRow:
		if o.Row != nil {
			return o.Row
		}
	}
	return nil
}

func (o Origin) Valid() bool {
	return o.source() != nil
}

func (o Origin) ID() string {
	switch {
	case o.Kind == OriginFragment && o.Fragment != nil:
		return o.Fragment.ID
	case o.Kind == OriginTableRow && o.Row != nil:
		return o.Row.ID
	default:
		return ""
	}
}

func (o Origin) FileID() string {
	if s := o.source(); s != nil {
		return s.SourceFileID()
	}
	return ""
}

func (o Origin) Locators() []string {
	if s := o.source(); s != nil {
		return s.SourceLocators()
	}
	return nil
}

func (o Origin) EmbedText() string {
	if s := o.source(); s != nil {
		return s.SourceText()
	}
	return ""
}

// ParseLocator splits "page,seq" style locators into integers. Non-numeric parts sort last.
func ParseLocator(locator string) []int {
	parts := strings.Split(locator, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = int(^uint(0) >> 1)
		}
		out = append(out, n)
	}
	return out
}

func CompareLocators(a, b string) int {
	pa, pb := ParseLocator(a), ParseLocator(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// SortedLocatorSet deduplicates locators and orders them by their integer tuple.
func SortedLocatorSet(locators []string) []string {
	seen := make(map[string]struct{}, len(locators))
	out := make([]string, 0, len(locators))
	for _, l := range locators {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareLocators(out[i], out[j]) < 0
	})
	return out
}

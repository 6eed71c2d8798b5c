package tablehtml

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const maxColspan = 64

// Converter renders HTML table markup stored in document content as markdown tables.
type Converter struct{}

var _ ports.TableMarkupConverter = Converter{}

func New() Converter {
	return Converter{}
}

func (Converter) IsTableMarkup(content string) bool {
	return strings.Contains(strings.ToLower(content), "<table")
}

// ToText converts every table in markup. Text outside tables is dropped.
func (Converter) ToText(markup string) (string, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse table markup: %w", err)
	}

	var tables []*html.Node
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tables = append(tables, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	if len(tables) == 0 {
		return "", errors.New("no table element found")
	}

	rendered := make([]string, 0, len(tables))
	for _, t := range tables {
		if md := renderTable(collectRows(t)); md != "" {
			rendered = append(rendered, md)
		}
	}
	if len(rendered) == 0 {
		return "", errors.New("table has no cells")
	}
	return strings.Join(rendered, "\n\n"), nil
}

func collectRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "table":
				if n != table {
					return // nested tables render inside their cell text
				}
			case "tr":
				rows = append(rows, rowCells(n))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

func rowCells(tr *html.Node) []string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || (c.Data != "td" && c.Data != "th") {
			continue
		}
		text := cellText(c)
		for i := 0; i < colspan(c); i++ {
			cells = append(cells, text)
		}
	}
	return cells
}

func colspan(n *html.Node) int {
	for _, a := range n.Attr {
		if a.Key != "colspan" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(a.Val))
		if err != nil || v < 1 {
			return 1
		}
		return min(v, maxColspan)
	}
	return 1
}

func cellText(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			buf.WriteString(n.Data)
		case n.Type == html.ElementNode && n.Data == "br":
			buf.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	text := strings.Join(strings.Fields(buf.String()), " ")
	return strings.ReplaceAll(text, "|", `\|`)
}

func renderTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}
	if width == 0 {
		return ""
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := 0; i < width; i++ {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString(" ")
			b.WriteString(cell)
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}

	header := true
	for _, r := range rows {
		if len(r) == 0 {
			continue
		}
		writeRow(r)
		if header {
			b.WriteString("|")
			b.WriteString(strings.Repeat(" --- |", width))
			b.WriteString("\n")
			header = false
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

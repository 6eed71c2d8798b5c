package usecase

import (
	"regexp"
	"strings"
)

var (
	numberingPattern = regexp.MustCompile(
		`第[一二三四五六七八九十0-9]+[节章条]|` +
			`[一二三四五六七八九十]+( |、|\.|\t|\s+|:|：|．)|` +
			`[(（][一二三四五六七八九十]+[)）]|` +
			`[0-9]+(\t| |、|\s+)|` +
			`\d+[.．]+(\t| |、|\p{Han}|\s+)|` +
			`[(（][0-9]+[)）]|` +
			`[①②③④⑤⑥⑦⑧⑨⑩⑪⑫⑬⑭⑮⑯⑰⑱⑲⑳]+`,
	)
	// dotted section numbers such as 3.2 are only stripped when followed by text.
	dottedNumberPattern = regexp.MustCompile(`\d+[.．\-]\d+([^().|．\-+\d])`)
	digitsPattern       = regexp.MustCompile(`\d+`)
)

// cleanRerankText strips enumeration and section numbering and flattens table pipes.
func cleanRerankText(text string) string {
	text = dottedNumberPattern.ReplaceAllString(text, "$1")
	text = numberingPattern.ReplaceAllString(text, "")
	return strings.ReplaceAll(text, "|", " ")
}

// tableRerankText is the keyword line of a table row without figures.
func tableRerankText(keywords []string) string {
	return digitsPattern.ReplaceAllString(strings.Join(keywords, ""), "")
}

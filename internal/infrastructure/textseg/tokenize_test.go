package textseg

import (
	"slices"
	"testing"
)

func TestTokenizeSplitsHanIntoUnigramsAndBigrams(t *testing.T) {
	got := Tokenize("净利润 DOC_0001 Revenue-2")
	want := []string{"净", "净利", "利", "利润", "润", "doc", "0001", "revenue", "2"}
	if !slices.Equal(got, want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
}

func TestTokenizeSwitchesBetweenScripts(t *testing.T) {
	got := Tokenize("2023年收入")
	want := []string{"2023", "年", "年收", "收", "收入", "入"}
	if !slices.Equal(got, want) {
		t.Fatalf("Tokenize() = %v, want %v", got, want)
	}
}

func TestQueryJoinsUniqueTokens(t *testing.T) {
	if got := Query("净利 净利"); got != "净 | 净利 | 利" {
		t.Fatalf("Query() = %q", got)
	}
	if got := Query("!!!"); got != "" {
		t.Fatalf("expected empty query, got %q", got)
	}
}

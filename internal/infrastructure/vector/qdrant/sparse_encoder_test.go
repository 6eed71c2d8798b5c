package qdrant

import (
	"fmt"
	"slices"
	"strings"
	"testing"
)

func TestEncodeSparseQueryDeterministic(t *testing.T) {
	v1 := encodeSparseQuery("2023年净利润 DOC_0001")
	v2 := encodeSparseQuery("2023年净利润 DOC_0001")
	if !slices.Equal(v1.Indices, v2.Indices) || !slices.Equal(v1.Values, v2.Values) {
		t.Fatalf("expected identical vectors, got %+v and %+v", v1, v2)
	}
}

func TestEncodeSparseQuerySortsIndices(t *testing.T) {
	v := encodeSparseQuery("zulu alpha beta gamma 营业收入")
	if len(v.Indices) == 0 {
		t.Fatalf("expected non-empty sparse vector")
	}
	if !slices.IsSorted(v.Indices) {
		t.Fatalf("indices not sorted: %v", v.Indices)
	}
}

func TestEncodeSparseQueryEmptyNoiseInput(t *testing.T) {
	v := encodeSparseQuery("___---!!!")
	if len(v.Indices) != 0 || len(v.Values) != 0 {
		t.Fatalf("expected empty sparse vector, got %+v", v)
	}
}

func TestEncodeSparseQueryCapsTerms(t *testing.T) {
	words := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		words = append(words, fmt.Sprintf("w%d", i))
	}
	words = append(words, "w7", "w7")
	v := encodeSparseQuery(strings.Join(words, " "))
	if len(v.Indices) != maxSparseTerms {
		t.Fatalf("expected %d terms, got %d", maxSparseTerms, len(v.Indices))
	}
	if !slices.Contains(v.Indices, hashToken("w7")) {
		t.Fatalf("expected the most frequent term kept")
	}
}

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/restclient"
)

func TestEmbedCachesByTextAndDimension(t *testing.T) {
	var (
		calls     int32
		mu        sync.Mutex
		lastInput []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&calls, 1)
		var payload struct {
			Model      string   `json:"model"`
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		lastInput = payload.Input
		mu.Unlock()
		out := make([][]float32, len(payload.Input))
		for i := range out {
			out[i] = make([]float32, payload.Dimensions)
			out[i][0] = float32(len(payload.Input[i]))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer server.Close()

	embedder := NewEmbedder(restclient.New("ollama", server.URL, time.Second, nil), EmbedderConfig{Model: "bge-m3"})

	first, err := embedder.Embed(context.Background(), []string{"a", "bb"}, 4)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(first) != 2 || first[1][0] != 2 {
		t.Fatalf("unexpected vectors %v", first)
	}

	second, err := embedder.Embed(context.Background(), []string{"bb", "ccc"}, 4)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if second[0][0] != 2 || second[1][0] != 3 {
		t.Fatalf("unexpected vectors %v", second)
	}
	mu.Lock()
	sent := strings.Join(lastInput, ",")
	mu.Unlock()
	if sent != "ccc" {
		t.Fatalf("expected only the miss sent upstream, got %s", sent)
	}

	if _, err := embedder.Embed(context.Background(), []string{"bb"}, 8); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected a new dimension to miss the cache, got %d calls", got)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(restclient.New("ollama", server.URL, time.Second, nil), EmbedderConfig{})
	_, err := embedder.Embed(context.Background(), []string{"hello"}, 3)
	if !domain.IsKind(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(restclient.New("ollama", server.URL, time.Second, nil), EmbedderConfig{})
	_, err := embedder.Embed(context.Background(), []string{"hello"}, 0)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") || !domain.IsKind(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error with response body, got %v", err)
	}
}

package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

func TestPostJSONRetriesUnavailableUpstream(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type")
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{RetryMaxAttempts: 2, RetryInitialBackoff: time.Millisecond})
	client := New("rerank", server.URL+"/", time.Second, exec)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.PostJSON(context.Background(), "/score", "score", map[string]any{"q": "x"}, &out); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
	if !out.OK || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected success on second call, got ok=%v calls=%d", out.OK, calls)
	}
}

func TestPostJSONTagsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad":
			http.Error(w, "boom", http.StatusBadRequest)
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer server.Close()

	client := New("ollama", server.URL, time.Second, nil)

	err := client.PostJSON(context.Background(), "/bad", "embed", map[string]any{}, &struct{}{})
	if !domain.IsKind(err, domain.ErrUpstreamUnavailable) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected upstream error with body, got %v", err)
	}

	err = client.PostJSON(context.Background(), "/garbage", "embed", map[string]any{}, &struct{}{})
	if !domain.IsKind(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
}

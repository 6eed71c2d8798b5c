package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/config"
	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/observability/logging"
)

// ContextRecorder receives per-endpoint context sizes.
type ContextRecorder interface {
	RecordContext(endpoint string, citations int)
}

type Router struct {
	cfg       config.Config
	retriever ports.ContextRetriever
	reranker  ports.AnswerReranker
	metrics   http.Handler
	recorder  ContextRecorder
	wrap      func(http.Handler) http.Handler
	logger    *slog.Logger
}

type RouterOption func(*Router)

// WithMetrics mounts /metrics and wraps the handler with request instrumentation.
func WithMetrics(handler http.Handler, middleware func(http.Handler) http.Handler, recorder ContextRecorder) RouterOption {
	return func(rt *Router) {
		rt.metrics = handler
		rt.wrap = middleware
		rt.recorder = recorder
	}
}

func WithLogger(logger *slog.Logger) RouterOption {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func NewRouter(cfg config.Config, retriever ports.ContextRetriever, reranker ports.AnswerReranker, opts ...RouterOption) *Router {
	rt := &Router{
		cfg:       cfg,
		retriever: retriever,
		reranker:  reranker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/v1/retrieve", rt.retrieve)
	api.HandleFunc("/v1/answers/rerank", rt.rerankAnswer)

	var guarded http.Handler = api
	guarded = backpressureMiddleware(guarded, rt.cfg.APIBackpressureMaxInFlight, rt.cfg.APIBackpressureWait)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics)
	}
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.wrap != nil {
		handler = rt.wrap(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retrieveRequest struct {
	Question       string   `json:"question"`
	RetrieveText   string   `json:"retrieve_question"`
	Keywords       []string `json:"keywords"`
	FileIDs        []string `json:"file_ids"`
	LocatedFileIDs []string `json:"located_file_ids"`
}

type rerankRequest struct {
	CorrelationID string `json:"correlation_id"`
	Answer        string `json:"answer"`
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req retrieveRequest
	if !rt.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "question is required"})
		return
	}

	started := time.Now()
	correlationID := requestIDFromContext(r.Context())
	assembled, err := rt.retriever.Retrieve(r.Context(), correlationID, domain.Question{
		Text:           req.Question,
		RetrieveText:   req.RetrieveText,
		Keywords:       req.Keywords,
		FileIDs:        req.FileIDs,
		LocatedFileIDs: req.LocatedFileIDs,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rt.recorder != nil {
		rt.recorder.RecordContext("retrieve", len(assembled.Citations))
	}
	logging.WithCorrelation(r.Context(), rt.logger).Info("retrieve_completed",
		"citations", len(assembled.Citations),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, assembled)
}

func (rt *Router) rerankAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req rerankRequest
	if !rt.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CorrelationID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "correlation_id is required"})
		return
	}

	ctx := logging.ContextWithCorrelation(r.Context(), req.CorrelationID)
	ranked, err := rt.reranker.RerankAnswer(ctx, req.CorrelationID, req.Answer)
	if err != nil {
		rt.writeError(w, r.WithContext(ctx), err)
		return
	}
	if rt.recorder != nil {
		rt.recorder.RecordContext("answer_rerank", len(ranked.Citations))
	}
	writeJSON(w, http.StatusOK, ranked)
}

func (rt *Router) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := r.Body
	if rt.cfg.APIMaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, rt.cfg.APIMaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return false
		}
		if errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body is required"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	logger := logging.WithCorrelation(r.Context(), rt.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Warn("request_rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

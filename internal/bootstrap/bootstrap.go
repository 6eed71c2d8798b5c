package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/docqa-retrieval/internal/config"
	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/core/usecase"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/cache/redis"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/cache/scoredcache"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/graph/neo4j"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/markup/tablehtml"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/rerank/crossencoder"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/restclient"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/tokenizer/tiktoken"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/vector/milvus"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/docqa-retrieval/internal/observability/metrics"
)

// fragmentSource is a FragmentStore that can also list a whole file for snapshots.
type fragmentSource interface {
	ports.FragmentStore
	redis.FileLoader
}

type App struct {
	Config   config.Config
	Pipeline *usecase.RetrievalPipeline
	Metrics  *metrics.HTTPServerMetrics

	closers []func(context.Context)
}

// Worker holds what the invalidation consumer needs.
type Worker struct {
	Config    config.Config
	Bus       *nats.Bus
	Snapshots *redis.SnapshotStore

	closers []func(context.Context)
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.HTTPServerMetrics) (_ *App, err error) {
	app := &App{Config: cfg, Metrics: m}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	var (
		stateObserver resilience.StateObserver
		cacheOpts     []scoredcache.Option
		observer      ports.PipelineObserver
	)
	if m != nil {
		stateObserver = m.ObserveBreakerState
		cacheOpts = append(cacheOpts, scoredcache.WithObserver(m))
		observer = m
	}
	executor := newExecutor(cfg, logger, stateObserver)

	fixedTables, err := config.LoadFixedTables(cfg.FixedTableVocabPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	fragments, closeFragments, err := openFragmentStore(ctx, cfg, db, executor)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeFragments)

	var snapshots ports.FragmentSnapshotStore
	if cfg.SnapshotsEnabled {
		store, closeRedis, err := openSnapshots(ctx, cfg, fragments, executor, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, closeRedis)
		snapshots = store
	}

	var spans ports.SpanPublisher
	if cfg.SpanExportEnabled {
		bus, err := openBus(cfg, executor, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func(context.Context) { bus.Close() })
		spans = bus
	}

	qdrantClient := qdrant.New(
		restclient.New("qdrant", cfg.QdrantURL, cfg.SubQueryTimeout, executor),
		qdrant.Collections{Fragments: cfg.QdrantFragmentCollection, TableRows: cfg.QdrantTableRowCollection},
	)

	var lexical ports.LexicalSearcher = postgres.NewLexicalSearcher(db, executor)
	if cfg.LexicalBackend == config.BackendQdrant {
		lexical = qdrantClient.Lexical()
	}

	var vector ports.VectorSearcher = qdrantClient
	if cfg.VectorBackend == config.BackendMilvus {
		searcher, err := milvus.New(ctx, milvus.Config{
			Address:            cfg.MilvusAddress,
			Database:           cfg.MilvusDatabase,
			FragmentCollection: cfg.MilvusFragmentCollection,
			TableRowCollection: cfg.MilvusTableRowCollection,
		}, executor)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func(ctx context.Context) { _ = searcher.Close(ctx) })
		vector = searcher
	}

	embedder := ollama.NewEmbedder(
		restclient.New("ollama", cfg.OllamaURL, cfg.OllamaTimeout, executor),
		ollama.EmbedderConfig{
			Model:     cfg.OllamaEmbedModel,
			CacheSize: cfg.EmbedCacheSize,
			CacheTTL:  cfg.EmbedCacheTTL,
		},
		cacheOpts...,
	)
	reranker := crossencoder.New(
		restclient.New("rerank", cfg.RerankURL, cfg.RerankTimeout, executor),
		crossencoder.Config{
			Path:      cfg.RerankPath,
			CacheSize: cfg.RerankCacheSize,
			CacheTTL:  cfg.RerankCacheTTL,
			BatchSize: cfg.RerankBatchSize,
		},
		cacheOpts...,
	)
	sessions := scoredcache.New[string, *domain.RetrievalSession]("sessions", cfg.SessionCacheSize, cfg.SessionTTL, cacheOpts...)

	app.Pipeline = usecase.NewRetrievalPipeline(usecase.PipelineDeps{
		Lexical:   lexical,
		Vector:    vector,
		Embedder:  embedder,
		Reranker:  reranker,
		Fragments: fragments,
		Contents:  postgres.NewContentStore(db, executor),
		Snapshots: snapshots,
		Markup:    tablehtml.New(),
		Tokens:    tiktoken.New(cfg.TokenizerEncoding, logger),
		Spans:     spans,
		Sessions:  sessions,
		Observer:  observer,
		Logger:    logger,
	}, pipelineConfig(cfg, fixedTables))

	return app, nil
}

func (a *App) Close(ctx context.Context) {
	closeAll(ctx, a.closers)
}

func NewWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Worker, err error) {
	w := &Worker{Config: cfg}
	defer func() {
		if err != nil {
			w.Close(context.Background())
		}
	}()

	executor := newExecutor(cfg, logger, nil)

	var loader redis.FileLoader
	if cfg.FragmentStoreBackend == config.BackendPostgres {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		w.closers = append(w.closers, func(context.Context) { _ = db.Close() })
		loader = postgres.NewFragmentStore(db, executor)
	}

	store, closeRedis, err := openSnapshots(ctx, cfg, loader, executor, logger)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, closeRedis)
	w.Snapshots = store

	bus, err := openBus(cfg, executor, logger)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func(context.Context) { bus.Close() })
	w.Bus = bus
	return w, nil
}

func (w *Worker) Close(ctx context.Context) {
	closeAll(ctx, w.closers)
}

func closeAll(ctx context.Context, closers []func(context.Context)) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i](ctx)
	}
}

func newExecutor(cfg config.Config, logger *slog.Logger, observer resilience.StateObserver) *resilience.Executor {
	opts := []resilience.Option{resilience.WithLogger(logger)}
	if observer != nil {
		opts = append(opts, resilience.WithStateObserver(observer))
	}
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: cfg.RetryInitialBackoff,
		RetryMaxBackoff:     cfg.RetryMaxBackoff,
		BreakerEnabled:      cfg.BreakerEnabled,
		BreakerMinRequests:  uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio: cfg.BreakerFailureRatio,
		BreakerOpenTimeout:  cfg.BreakerOpenTimeout,
	}, opts...)
}

func openFragmentStore(ctx context.Context, cfg config.Config, db *sql.DB, executor *resilience.Executor) (fragmentSource, func(context.Context), error) {
	if cfg.FragmentStoreBackend != config.BackendNeo4j {
		return postgres.NewFragmentStore(db, executor), func(context.Context) {}, nil
	}
	store, err := neo4j.New(ctx, neo4j.Config{
		URI:      cfg.Neo4jURI,
		Username: cfg.Neo4jUser,
		Password: cfg.Neo4jPassword,
		Database: cfg.Neo4jDatabase,
	}, executor)
	if err != nil {
		return nil, nil, fmt.Errorf("open neo4j: %w", err)
	}
	return store, func(ctx context.Context) { _ = store.Close(ctx) }, nil
}

func openSnapshots(ctx context.Context, cfg config.Config, loader redis.FileLoader, executor *resilience.Executor, logger *slog.Logger) (*redis.SnapshotStore, func(context.Context), error) {
	redisCfg := redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.RedisSnapshotTTL,
	}
	client, err := redis.Dial(ctx, redisCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open redis: %w", err)
	}
	store := redis.NewSnapshotStore(client, redisCfg, loader, executor, logger)
	return store, func(context.Context) { _ = client.Close() }, nil
}

func openBus(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (*nats.Bus, error) {
	bus, err := nats.New(cfg.NATSURL, nats.Options{
		SpanSubject:        cfg.NATSSpanSubject,
		InvalidateSubject:  cfg.NATSInvalidateSubject,
		ResilienceExecutor: executor,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message bus: %w", err)
	}
	return bus, nil
}

func pipelineConfig(cfg config.Config, fixedTables []domain.FixedTable) usecase.PipelineConfig {
	return usecase.PipelineConfig{
		Retriever: usecase.RetrieverConfig{
			RRFK:                cfg.RRFK,
			FixedTableThreshold: cfg.FixedTableThreshold,
			TableEmbedThreshold: cfg.TableEmbedThreshold,
			EmbedDimension:      cfg.EmbedDimension,
			DenseMinScore:       cfg.DenseMinScore,
			SubQueryTimeout:     cfg.SubQueryTimeout,
			Concurrency:         cfg.RetrievalConcurrency,
			ParagraphSizeMax:    cfg.ParagraphSizeMax,
		},
		Coarse: usecase.CoarseRankConfig{
			BatchSize:    cfg.RerankBatchSize,
			Workers:      cfg.RerankWorkers,
			MinRelevance: cfg.MinRelevance,
			MinKeep:      cfg.MinKeep,
		},
		SmallToBig: usecase.SmallToBigConfig{
			TokenBudget:       cfg.SmallToBigBudget,
			MinLevel:          cfg.SmallToBigMinLevel,
			PerDocumentCap:    cfg.PerDocumentCap,
			MultiDocThreshold: cfg.MultiDocThreshold,
		},
		Truncator: usecase.TruncatorConfig{
			TopP:         cfg.ContextTopP,
			MaxChars:     cfg.MaxContextChars,
			MaxDocuments: cfg.MaxDocuments,
		},
		Answer: usecase.AnswerRankConfig{
			BatchSize:      cfg.RerankBatchSize,
			Workers:        cfg.RerankWorkers,
			TopP:           cfg.AnswerTopP,
			MaxAnswerChars: cfg.AnswerMaxChars,
			AnswerWeight:   cfg.AnswerWeight,
		},
		FixedTables: fixedTables,
		SessionTTL:  cfg.SessionTTL,
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

const defaultKeyPrefix = "docqa:fragments:"

// FileLoader lists every fragment of a file from the source of truth.
type FileLoader interface {
	ListByFile(ctx context.Context, fileID string) ([]domain.Fragment, error)
}

type Config struct {
	Addr      string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// SnapshotStore caches whole-file fragment lists in redis. On a miss it reads through the
// loader when one is set.
type SnapshotStore struct {
	client   *goredis.Client
	loader   FileLoader
	executor *resilience.Executor
	logger   *slog.Logger
	ttl      time.Duration
	prefix   string
}

var _ ports.FragmentSnapshotStore = (*SnapshotStore)(nil)

func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.WrapError(domain.ErrUpstreamUnavailable, "redis connect", fmt.Errorf("addr %s: %w", cfg.Addr, err))
	}
	return client, nil
}

func NewSnapshotStore(client *goredis.Client, cfg Config, loader FileLoader, executor *resilience.Executor, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &SnapshotStore{
		client:   client,
		loader:   loader,
		executor: executor,
		logger:   logger,
		ttl:      cfg.TTL,
		prefix:   cfg.KeyPrefix,
	}
}

func (s *SnapshotStore) key(fileID string) string {
	return s.prefix + fileID
}

func (s *SnapshotStore) GetFileFragments(ctx context.Context, fileID string) ([]domain.Fragment, bool, error) {
	raw, err := resilience.Call(ctx, s.executor, "redis.get", func(ctx context.Context) ([]byte, error) {
		b, err := s.client.Get(ctx, s.key(fileID)).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return b, err
	}, resilience.ClassifyUpstream)
	if err != nil {
		return nil, false, resilience.WrapUpstream("redis snapshot get", err)
	}

	if raw != nil {
		var fragments []domain.Fragment
		if err := json.Unmarshal(raw, &fragments); err != nil {
			_ = s.client.Del(ctx, s.key(fileID)).Err()
			return nil, false, domain.WrapError(domain.ErrCacheConsistency, "redis snapshot decode", fmt.Errorf("file %s: %w", fileID, err))
		}
		return fragments, true, nil
	}

	if s.loader == nil {
		return nil, false, nil
	}
	fragments, err := s.loader.ListByFile(ctx, fileID)
	if err != nil {
		return nil, false, err
	}
	if len(fragments) == 0 {
		return nil, false, nil
	}
	if err := s.PutFileFragments(ctx, fileID, fragments); err != nil {
		s.logger.Warn("fragment_snapshot_store_failed", "file_id", fileID, "error", err)
	}
	return fragments, true, nil
}

func (s *SnapshotStore) PutFileFragments(ctx context.Context, fileID string, fragments []domain.Fragment) error {
	raw, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = resilience.Call(ctx, s.executor, "redis.set", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.Set(ctx, s.key(fileID), raw, s.ttl).Err()
	}, resilience.ClassifyUpstream)
	return resilience.WrapUpstream("redis snapshot set", err)
}

func (s *SnapshotStore) Invalidate(ctx context.Context, fileIDs ...string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		keys = append(keys, s.key(id))
	}
	_, err := resilience.Call(ctx, s.executor, "redis.del", func(ctx context.Context) (int64, error) {
		return s.client.Del(ctx, keys...).Result()
	}, resilience.ClassifyUpstream)
	return resilience.WrapUpstream("redis snapshot invalidate", err)
}

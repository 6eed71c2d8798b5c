package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

// Bus publishes stage spans and carries fragment invalidation events.
type Bus struct {
	conn              *nats.Conn
	spanSubject       string
	invalidateSubject string
	executor          *resilience.Executor
	logger            *slog.Logger
}

var _ ports.SpanPublisher = (*Bus)(nil)

type Options struct {
	SpanSubject          string
	InvalidateSubject    string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

// InvalidationEvent names the files whose fragment snapshots are stale.
type InvalidationEvent struct {
	FileIDs []string `json:"file_ids"`
}

func New(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("docqa-retrieval"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newBus(conn, options, logger), nil
}

func newBus(conn *nats.Conn, options Options, logger *slog.Logger) *Bus {
	spanSubject := strings.TrimSpace(options.SpanSubject)
	if spanSubject == "" {
		spanSubject = "retrieval.spans"
	}
	invalidateSubject := strings.TrimSpace(options.InvalidateSubject)
	if invalidateSubject == "" {
		invalidateSubject = "fragments.invalidate"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		conn:              conn,
		spanSubject:       spanSubject,
		invalidateSubject: invalidateSubject,
		executor:          options.ResilienceExecutor,
		logger:            logger,
	}
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) PublishSpan(ctx context.Context, span ports.StageSpan) error {
	payload, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("marshal span: %w", err)
	}
	return b.publish(ctx, b.spanSubject, payload)
}

func (b *Bus) PublishInvalidation(ctx context.Context, fileIDs ...string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	payload, err := json.Marshal(InvalidationEvent{FileIDs: fileIDs})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return b.publish(ctx, b.invalidateSubject, payload)
}

func (b *Bus) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := b.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeInvalidations runs handler for each invalidation event until ctx is done.
func (b *Bus) SubscribeInvalidations(ctx context.Context, handler func(context.Context, []string) error) error {
	sub, err := b.conn.QueueSubscribe(b.invalidateSubject, "workers", func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		fileIDs, err := decodeInvalidation(msg.Data)
		if err != nil {
			b.logger.Warn("invalidation_decode_failed", "error", err)
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, fileIDs); err != nil {
			b.logger.Error("invalidation_handler_failed", "file_ids", fileIDs, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// decodeInvalidation accepts an InvalidationEvent or a bare file id.
func decodeInvalidation(data []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty invalidation event")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return []string{trimmed}, nil
	}
	var event InvalidationEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return nil, fmt.Errorf("decode invalidation: %w", err)
	}
	out := make([]string, 0, len(event.FileIDs))
	for _, id := range event.FileIDs {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("invalidation event without file ids")
	}
	return out, nil
}

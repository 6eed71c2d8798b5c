package tiktoken

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirillkom/docqa-retrieval/internal/core/ports"
)

const defaultEncoding = "cl100k_base"

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter counts tokens with a tiktoken encoding loaded on first use. Until the encoding
// is available, rune counts stand in.
type Counter struct {
	encoding string
	load     func(encoding string) (encoder, error)
	logger   *slog.Logger

	once    sync.Once
	enc     encoder
	initErr error
}

var _ ports.TokenCounter = (*Counter)(nil)

func New(encoding string, logger *slog.Logger) *Counter {
	return newCounter(encoding, func(name string) (encoder, error) {
		return tiktoken.GetEncoding(name)
	}, logger)
}

func newCounter(encoding string, load func(string) (encoder, error), logger *slog.Logger) *Counter {
	if encoding == "" {
		encoding = defaultEncoding
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{encoding: encoding, load: load, logger: logger}
}

func (c *Counter) init() error {
	c.once.Do(func() {
		enc, err := c.load(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			c.logger.Warn("tokenizer_fallback", "encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if err := c.init(); err != nil {
		return utf8.RuneCountInString(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

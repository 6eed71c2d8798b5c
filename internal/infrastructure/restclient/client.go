package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docqa-retrieval/internal/core/domain"
	"github.com/kirillkom/docqa-retrieval/internal/infrastructure/resilience"
)

// Client sends JSON requests to one upstream service through the resilience executor.
type Client struct {
	service    string
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(service, baseURL string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

func (c *Client) Service() string {
	return c.service
}

func (c *Client) PostJSON(ctx context.Context, path, operation string, payload, out any) error {
	return c.Do(ctx, http.MethodPost, path, operation, payload, out)
}

// Do runs one JSON round trip. Failures come back tagged with a domain error kind.
func (c *Client) Do(ctx context.Context, method, path, operation string, payload, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return domain.WrapError(domain.ErrInvalidInput, c.service+" "+operation, fmt.Errorf("marshal request: %w", err))
		}
		body = encoded
	}

	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, operation, body, out)
	}
	op := c.service + "." + operation
	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, op, call, resilience.ClassifyUpstream)
	} else {
		err = call(ctx)
	}
	return resilience.WrapUpstream(op, err)
}

func (c *Client) roundTrip(ctx context.Context, method, path, operation string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", c.service, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.HTTPStatusError{
			Service:    c.service,
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.ErrMalformedPayload, c.service+" "+operation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

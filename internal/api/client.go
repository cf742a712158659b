// Package api mirrors the orchestration backend's REST surface.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond

	requestTimeout = 15 * time.Second
	maxErrorBody   = 8 << 10
)

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Config carries the client settings.
type Config struct {
	// BaseURL is the REST endpoint prefix, e.g. http://127.0.0.1:8089/api.
	BaseURL string
	// Client is the underlying HTTP client. Nil uses a default with a
	// request timeout.
	Client *http.Client
	// RetryAttempts bounds GET retries. Mutations never retry.
	RetryAttempts uint
	// RetryDelay is the fixed wait between GET retries.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Client == nil {
		c.Client = &http.Client{Timeout: requestTimeout}
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Client talks to the backend REST API.
type Client struct {
	cfg Config
}

// New builds a REST client for the given backend.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid api config: baseURL is empty")
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

// getJSON fetches path and decodes the response. Transport failures and
// 5xx responses retry with a fixed delay; 4xx responses do not.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	var lastErr error
	err := retry.Do(
		func() error {
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			err := c.do(ctx, http.MethodGet, path, nil, out)
			if err == nil {
				lastErr = nil
				return nil
			}
			lastErr = err
			if !retryable(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logs.Warnf("GET %s attempt %d failed: %v", path, n+1, err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.ConfigFastest.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, joinURL(c.cfg.BaseURL, path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.Code >= 500
	}
	return true
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

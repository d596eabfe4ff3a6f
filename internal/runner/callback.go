package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CallbackResult is the body posted to a signed build callback URL.
type CallbackResult struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// CallbackClient posts build results with exponential backoff.
type CallbackClient struct {
	client            *http.Client
	logger            *slog.Logger
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewCallbackClient creates a CallbackClient with sensible defaults.
func NewCallbackClient(client *http.Client, logger *slog.Logger) *CallbackClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackClient{
		client:            client,
		logger:            logger,
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// permanentError stops retries.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Post sends result to url. Client errors such as 401 are not retried;
// 429 and server errors are.
func (c *CallbackClient) Post(ctx context.Context, url string, result CallbackResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding callback: %w", err)
	}

	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return &permanentError{fmt.Errorf("creating request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("posting callback: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("callback throttled with status %d", resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return &permanentError{fmt.Errorf("callback rejected with status %d", resp.StatusCode)}
		default:
			return fmt.Errorf("callback returned status %d", resp.StatusCode)
		}
	})
}

// withRetry executes fn with exponential backoff until it succeeds, returns
// a permanent error or retries run out.
func (c *CallbackClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := c.InitialBackoff

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying callback", "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
			if backoff > c.MaxBackoff {
				backoff = c.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if perm, ok := lastErr.(*permanentError); ok {
			return perm.err
		}

		c.logger.Warn("callback failed", "attempt", attempt, "error", lastErr)
	}

	return fmt.Errorf("callback failed after %d attempts: %w", c.MaxRetries+1, lastErr)
}

package thirdparty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"idempotent-consumer/internal/metrics"
)

// Outcome classifies a single downstream call.
type Outcome int

const (
	Success Outcome = iota + 1
	RetryableFailure
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

var ErrUnexpectedStatus = errors.New("unexpected thirdparty status")

type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client performs one GET <endpoint>/<key> per call and never retries.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		logger:     logger,
		metrics:    m,
	}
}

func (c *Client) Call(ctx context.Context, key string) Result {
	res := c.call(ctx, key)
	c.metrics.DownstreamCalls.WithLabelValues(res.Outcome.String()).Inc()
	if res.Outcome != Success {
		c.logger.Error("Error calling thirdparty api",
			"key", key, "outcome", res.Outcome.String(), "status", res.StatusCode, "error", res.Err)
	}
	return res
}

func (c *Client) call(ctx context.Context, key string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+url.PathEscape(key), nil)
	if err != nil {
		return Result{Outcome: FatalFailure, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections, resets.
		return Result{Outcome: RetryableFailure, Err: fmt.Errorf("call thirdparty: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{Outcome: Success, StatusCode: resp.StatusCode}
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{Outcome: RetryableFailure, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)}
	default:
		return Result{Outcome: FatalFailure, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)}
	}
}

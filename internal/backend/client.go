// Package backend delivers terminal outcome callbacks to the application
// backend over HTTP. Deliveries run through a bounded retry loop and the
// submit-path circuit breaker; a callback that still fails is logged and
// dropped — the relay keeps no durable state.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw-relay/internal/metrics"
	"github.com/openclaw/openclaw-relay/internal/resilience"
	"github.com/openclaw/openclaw-relay/internal/types"
)

const (
	messagesPath   = "/api/v1/relays/messages"
	requestTimeout = 30 * time.Second

	submitAttempts          = 5
	breakerFailureThreshold = 5
	breakerOpenFor          = 30 * time.Second
)

// statusError reports a non-2xx backend response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client posts outcome reports to the backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger

	schedule resilience.Schedule
	submit   *resilience.Breaker
}

// New creates a Client for the given base URL and bearer token.
func New(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.Named("backend"),
		schedule: resilience.Schedule{
			Base:   []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second},
			Jitter: 500 * time.Millisecond,
		},
		submit: resilience.NewBreaker(breakerFailureThreshold, breakerOpenFor),
	}
}

// SubmitOutcome delivers one terminal callback. Transport failures, 5xx
// and 429 are retried; everything else fails immediately. A tripped
// breaker fails fast without consuming its own failure budget.
func (c *Client) SubmitOutcome(ctx context.Context, report types.OutcomeReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("backend: marshal outcome: %w", err)
	}

	err = resilience.Retry(ctx, resilience.Policy{
		Attempts:    submitAttempts,
		Schedule:    c.schedule,
		ShouldRetry: shouldRetry,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			c.logger.Warn("outcome delivery retrying",
				zap.String("relay_message_id", report.RelayMessageID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}, func(ctx context.Context) error {
		err := c.submit.Do(func() error {
			return c.post(ctx, body)
		})
		c.exportBreakerState()
		return err
	})
	if err != nil {
		metrics.CallbackFailures.Inc()
		return fmt.Errorf("backend: submit outcome %s: %w", report.RelayMessageID, err)
	}
	return nil
}

// post performs one HTTP delivery attempt.
func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Status: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

// shouldRetry classifies delivery failures: no status (transport error or
// breaker fail-fast), 5xx, or 429.
func shouldRetry(err error, _ int) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || (se.Status >= 500 && se.Status <= 599)
	}
	var open *resilience.CircuitOpenError
	if errors.As(err, &open) {
		return true
	}
	return true // transport-level failure
}

func (c *Client) exportBreakerState() {
	v := 0.0
	if c.submit.State() == resilience.BreakerOpen {
		v = 1.0
	}
	metrics.BreakerOpen.WithLabelValues("submit").Set(v)
}

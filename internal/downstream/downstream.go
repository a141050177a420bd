// Copyright 2025 James Ross
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/backoff"
	"github.com/flyingrobots/drip-gateway/internal/breaker"
	"github.com/flyingrobots/drip-gateway/internal/job"
)

// Client issues one call to the downstream API per Invoke, retrying
// transient faults internally before returning, and tripping a shared
// circuit breaker on a run of failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *breaker.CircuitBreaker
	retry      backoff.Schedule
	maxRetries int
}

// Config bundles the Client's construction parameters.
type Config struct {
	BaseURL         string
	APIKey          string
	DefaultTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BackoffJitter   float64
	BreakerWindow   time.Duration
	BreakerCooldown time.Duration
	BreakerThreshold float64
	BreakerMinSample int
}

func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.DefaultTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		breaker:    breaker.New(cfg.BreakerWindow, cfg.BreakerCooldown, cfg.BreakerThreshold, cfg.BreakerMinSample),
		retry:      backoff.Schedule{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: cfg.BackoffJitter},
		maxRetries: cfg.MaxRetries,
	}
}

// Breaker exposes the circuit breaker so callers (e.g. the metrics
// reporter) can observe its state.
func (c *Client) Breaker() *breaker.CircuitBreaker { return c.breaker }

// Invoke issues the tool's request against the downstream API, retrying
// transient faults up to MaxRetries total attempts with exponential
// backoff, and records the outcome on the circuit breaker.
func (c *Client) Invoke(ctx context.Context, method, endpointPath string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if !c.breaker.Allow() {
		return nil, &job.Error{Kind: job.KindTransport, Endpoint: endpointPath, Message: "circuit breaker open"}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, &job.Error{Kind: job.KindValidation, Endpoint: endpointPath, Message: "encode params", Err: err}
	}

	var lastErr error
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	for n := 1; n <= attempts; n++ {
		data, status, err := c.doOnce(ctx, method, endpointPath, body, timeout)
		if err == nil {
			c.breaker.Record(true)
			return data, nil
		}
		lastErr = err

		jerr, ok := err.(*job.Error)
		if ok && jerr.Terminal() {
			c.breaker.Record(false)
			return nil, err
		}
		if n == attempts {
			break
		}
		if status >= 500 || status == 429 || status == 0 {
			select {
			case <-ctx.Done():
				c.breaker.Record(false)
				return nil, ctx.Err()
			case <-time.After(c.retry.Delay(n)):
			}
			continue
		}
		c.breaker.Record(false)
		return nil, err
	}
	c.breaker.Record(false)
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpointPath string, body []byte, timeout time.Duration) (json.RawMessage, int, error) {
	url := c.baseURL + endpointPath
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, &job.Error{Kind: job.KindTransport, Endpoint: endpointPath, Message: "build request", Err: err}
	}
	req.Header.Set("content-type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("authorization", "Bearer "+c.apiKey)
	}

	client := c.httpClient
	if timeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req = req.WithContext(cctx)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Per the retryable-conditions list (refused/reset/DNS/timeout/abort),
		// every transport-level failure reaching this point is retryable.
		return nil, 0, &job.Error{Kind: job.KindTransport, Endpoint: endpointPath, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(respBody), resp.StatusCode, nil
	}

	kind := job.KindUpstreamClient
	switch {
	case resp.StatusCode == 429:
		kind = job.KindUpstreamRateLimit
	case resp.StatusCode >= 500:
		kind = job.KindUpstreamServer
	}
	return nil, resp.StatusCode, &job.Error{
		Kind:     kind,
		Endpoint: endpointPath,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("downstream returned %d", resp.StatusCode),
		Body:     string(respBody),
	}
}

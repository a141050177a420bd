// Copyright 2025 James Ross
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/drip-gateway/internal/backoff"
	"github.com/flyingrobots/drip-gateway/internal/job"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const userAgent = "drip-gateway/1.0"

// Payload is the JSON body POSTed to a job's callback_url.
type Payload struct {
	JobID     string          `json:"job_id"`
	RowID     string          `json:"row_id"`
	BatchID   *string         `json:"batch_id"`
	Tool      string          `json:"tool"`
	Status    job.Status      `json:"status"`
	ProcessedAt time.Time     `json:"processed_at"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
}

// Outcome is reported back to the scheduler. It never influences the job's
// terminal status — callback delivery is fire-and-report.
type Outcome struct {
	Success  bool
	Skipped  bool
	Attempts int
	Error    string
}

// Dispatcher delivers a terminal job result to its caller-supplied
// callback_url with its own retry schedule, independent of the downstream
// client's transport retries.
type Dispatcher struct {
	httpClient    *http.Client
	retry         backoff.Schedule
	maxRetries    int
	signingSecret string
	nc            *nats.Conn
	log           *zap.Logger
}

// Config bundles the Dispatcher's construction parameters.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64
	SigningSecret string
	NATSURL       string
}

func New(cfg Config, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		retry:         backoff.Schedule{Base: cfg.BackoffBase, Cap: cfg.BackoffCap, Jitter: cfg.BackoffJitter},
		maxRetries:    cfg.MaxRetries,
		signingSecret: cfg.SigningSecret,
		log:           log,
	}
	if cfg.NATSURL != "" {
		if nc, err := nats.Connect(cfg.NATSURL); err == nil {
			d.nc = nc
		} else {
			log.Warn("callback: NATS connect failed, falling back to HTTP-only delivery", zap.Error(err))
		}
	}
	return d
}

func (d *Dispatcher) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
}

// Dispatch delivers the result payload to callbackURL, retrying transient
// failures, and independently publishes the result to the tool's NATS
// subject regardless of whether a callback_url was supplied. If
// callbackURL is empty, the HTTP leg is a no-op reporting Skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, callbackURL string, p Payload) Outcome {
	d.publishNATS(p)

	if callbackURL == "" {
		return Outcome{Success: true, Skipped: true}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}

	idempotencyKey := fmt.Sprintf("result:%s", p.JobID)

	attempts := d.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	made := 0
	for n := 1; n <= attempts; n++ {
		made = n
		_, retryable, err := d.post(ctx, callbackURL, body, n, idempotencyKey)
		if err == nil {
			return Outcome{Success: true, Attempts: n}
		}
		lastErr = err
		if !retryable || n == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{Success: false, Attempts: n, Error: ctx.Err().Error()}
		case <-time.After(d.retry.Delay(n)):
		}
	}
	d.log.Warn("callback delivery failed", zap.String("job_id", p.JobID), zap.Error(lastErr))
	return Outcome{Success: false, Attempts: made, Error: lastErr.Error()}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, attempt int, idempotencyKey string) (int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("user-agent", userAgent)
	req.Header.Set("x-attempt", fmt.Sprintf("%d", attempt))
	req.Header.Set("x-idempotency-key", idempotencyKey)
	if d.signingSecret != "" {
		req.Header.Set("x-callback-signature", sign(body, d.signingSecret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, true, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, false, nil
	}
	retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
	return resp.StatusCode, retryable, fmt.Errorf("callback endpoint returned %d: %s", resp.StatusCode, string(respBody))
}

func sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%x", h.Sum(nil))
}

func (d *Dispatcher) publishNATS(p Payload) {
	if d.nc == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("callbacks.%s", p.Tool)
	if err := d.nc.Publish(subject, data); err != nil {
		d.log.Debug("callback: NATS publish failed", zap.Error(err))
	}
}

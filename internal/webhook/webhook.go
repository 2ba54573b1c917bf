// Package webhook delivers signed outbound notifications:
// HMAC-SHA256 request signing, bounded retries, and
// terminal/retryable classification for the job worker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// Outcome classifies a delivery attempt for the job worker's ack/nack
// decision.
type Outcome string

const (
	OutcomeDelivered Outcome = "DELIVERED"
	OutcomeRetryable Outcome = "RETRYABLE"
	OutcomeTerminal  Outcome = "TERMINAL"
)

// HTTPClient is the transport surface Deliverer depends on.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config tunes one Deliverer.
type Config struct {
	Timeout    time.Duration
	Secret     string
	MaxRetries int
	HTTPClient HTTPClient
}

// baseDelay is the first retry delay. Deliver builds a
// backoff.ExponentialBackOff from it with multiplier 2, no jitter and a
// 4s cap, so successive delays are 1s, 2s, 4s.
const baseDelay = time.Second

// Deliverer sends signed webhook notifications with bounded retries.
type Deliverer struct {
	cfg  Config
	http HTTPClient
}

// New constructs a Deliverer, applying its default timeout/retry
// settings.
func New(cfg Config) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Timeout < time.Second {
		cfg.Timeout = time.Second
	}
	if cfg.Timeout > 30*time.Second {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Deliverer{cfg: cfg, http: httpClient}
}

// Deliver POSTs event to url, signing the body with HMAC-SHA256 when a
// secret is configured. Network errors and 5xx responses are retried,
// up to MaxRetries attempts in total (so 1s then 2s between the
// default 3 attempts). 4xx responses are terminal.
func (d *Deliverer) Deliver(ctx context.Context, url string, event models.WebhookEvent, idempotencyKey string) (Outcome, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return OutcomeTerminal, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = baseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = baseDelay * 4
	// MaxRetries counts total attempts (default: up to 3 attempts),
	// so the retry budget is one less than the attempt budget.
	retries := d.cfg.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithMaxRetries(exp, uint64(retries))

	var outcome Outcome
	var lastErr error

	op := func() error {
		status, err := d.attempt(ctx, url, body, idempotencyKey)
		switch {
		case err != nil:
			lastErr = err
			outcome = OutcomeRetryable
			return err
		case status >= 200 && status < 300:
			outcome = OutcomeDelivered
			lastErr = nil
			return nil
		case status >= 500:
			lastErr = fmt.Errorf("webhook: upstream returned %d", status)
			outcome = OutcomeRetryable
			return lastErr
		default:
			lastErr = fmt.Errorf("webhook: upstream returned %d", status)
			outcome = OutcomeTerminal
			return backoff.Permanent(lastErr)
		}
	}

	if retryErr := backoff.Retry(op, backoff.WithContext(bo, ctx)); retryErr != nil {
		return outcome, lastErr
	}
	return outcome, nil
}

func (d *Deliverer) attempt(ctx context.Context, url string, body []byte, idempotencyKey string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", idempotencyKey)
	if d.cfg.Secret != "" {
		req.Header.Set("X-Signature", sign(d.cfg.Secret, body))
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// sign returns the hex-encoded HMAC-SHA256 of body keyed by secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

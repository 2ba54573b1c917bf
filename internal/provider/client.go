// Package provider implements the upstream GPU provider adapter:
// typed methods over the provider's HTTP API with retry,
// per-endpoint-group circuit breaking, and error categorization into
// the shared apierrors taxonomy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	apierrors "github.com/riftforge/gpu-orchestrator/internal/pkg/errors"
)

// HTTPClient is the minimal surface Client depends on, allowing tests
// to substitute a stub transport without standing up a real server.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the provider HTTP client.
type Config struct {
	APIKey           string
	BaseURL          string
	RequestTimeout   time.Duration
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       HTTPClient
}

// endpointGroup names the breaker bucket a call belongs to — product
// listing, instance lifecycle, and template operations fail
// independently upstream, so each gets its own breaker.
type endpointGroup string

const (
	groupProducts  endpointGroup = "products"
	groupInstances endpointGroup = "instances"
	groupTemplates endpointGroup = "templates"
)

// Client talks to the upstream GPU provider's HTTP API.
type Client struct {
	cfg      Config
	http     HTTPClient
	logger   *slog.Logger
	breakers map[endpointGroup]*circuitBreaker
}

// New constructs a Client, applying spec-mandated defaults for any
// zero-valued tuning field.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger,
		breakers: map[endpointGroup]*circuitBreaker{
			groupProducts:  newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
			groupInstances: newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
			groupTemplates: newCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		},
	}
}

// BreakerState reports the current breaker state per endpoint group,
// surfaced on the health endpoint.
func (c *Client) BreakerState() map[string]string {
	out := make(map[string]string, len(c.breakers))
	for g, b := range c.breakers {
		out[string(g)] = b.State()
	}
	return out
}

// doJSON issues method/path with an optional JSON body, decodes the
// response into out (if non-nil), and applies the full retry/breaker
// pipeline. path is joined to cfg.BaseURL.
func (c *Client) doJSON(ctx context.Context, group endpointGroup, method, path string, body, out any) error {
	breaker := c.breakers[group]
	if breaker != nil && !breaker.Allow() {
		return apierrors.ErrCircuitOpen
	}

	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apierrors.ErrSerialization.WithMessage(fmt.Sprintf("marshal request: %v", err))
		}
		bodyBytes = b
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.RetryBaseDelay
	exp.MaxInterval = c.cfg.RetryMaxDelay
	exp.MaxElapsedTime = 0 // bounded by MaxRetryAttempts below, not wall-clock
	bo := backoff.WithMaxRetries(exp, uint64(c.cfg.MaxRetryAttempts))

	var lastErr error
	attempt := 0

	op := func() error {
		attempt++
		status, respBody, retryAfter, err := c.doOnce(ctx, method, path, bodyBytes)
		if err != nil {
			lastErr = err
			apiErr, ok := err.(*apierrors.APIError)
			if !ok || !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			// a provider-supplied Retry-After is waited out first for
			// rate-limited requests; the computed exponential delay
			// still follows it before the next attempt.
			if retryAfter > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(retryAfter):
				}
			}
			return err
		}

		if out != nil && len(respBody) > 0 {
			if jsonErr := json.Unmarshal(respBody, out); jsonErr != nil {
				lastErr = apierrors.ErrSerialization.WithMessage(fmt.Sprintf("decode response: %v", jsonErr))
				return backoff.Permanent(lastErr)
			}
		}
		_ = status
		lastErr = nil
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		c.logger.Warn("provider call failed",
			"method", method, "path", maskPath(path), "group", group, "attempts", attempt, "error", err)
		if lastErr != nil {
			return lastErr
		}
		if ctx.Err() != nil {
			return apierrors.ErrTimeout
		}
		return apierrors.ErrNetwork
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}
	return nil
}

// doOnce performs a single HTTP round trip, returning a categorized
// *apierrors.APIError on failure and the Retry-After duration (if any)
// for 429 responses.
func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (int, []byte, time.Duration, error) {
	url := c.cfg.BaseURL + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, 0, apierrors.ErrInternal.WithMessage(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, 0, apierrors.ErrTimeout
		}
		return 0, nil, 0, apierrors.ErrNetwork.WithMessage(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, 0, apierrors.ErrNetwork.WithMessage(fmt.Sprintf("read body: %v", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, respBody, retryAfter(resp), apierrors.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, respBody, 0, apierrors.ErrUpstream4xx.WithMessage("provider rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, respBody, 0, apierrors.ErrNotFound
	case resp.StatusCode >= 500:
		return resp.StatusCode, respBody, 0, apierrors.ErrUpstream5xx.WithMessage(fmt.Sprintf("upstream returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return resp.StatusCode, respBody, 0, apierrors.ErrUpstream4xx.WithMessage(fmt.Sprintf("upstream returned %d", resp.StatusCode))
	default:
		return resp.StatusCode, respBody, 0, nil
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// maskPath strips query parameters before logging, since API keys
// occasionally leak into query strings on some provider endpoints.
func maskPath(path string) string {
	for i, r := range path {
		if r == '?' {
			return path[:i] + "?[redacted]"
		}
	}
	return path
}

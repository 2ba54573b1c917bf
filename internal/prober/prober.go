// Package prober implements the multi-endpoint readiness probe:
// every configured endpoint is probed in parallel, each with
// its own retry/backoff schedule, and an instance is ready only once
// every endpoint has succeeded.
package prober

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// category classifies why a single probe attempt failed.
type category string

const (
	categoryTimeout           category = "TIMEOUT"
	categoryConnectionRefused category = "CONNECTION_REFUSED"
	categoryTLS               category = "TLS"
	categoryDNS               category = "DNS"
	categoryHTTPStatus        category = "HTTP_STATUS"
	categoryBodyRejected      category = "BODY_REJECTED"
)

var retryableCategories = map[category]bool{
	categoryTimeout:           true,
	categoryConnectionRefused: true,
	categoryDNS:               true,
}

// Prober issues HTTP health probes.
type Prober struct {
	httpClient *http.Client
}

// New constructs a Prober. The client's per-request timeout is set
// per-attempt from models.ProbeConfig.TimeoutMs, not here.
func New() *Prober {
	return &Prober{httpClient: &http.Client{}}
}

// ProbeAll probes every endpoint in parallel and returns the merged
// HealthCheck progress. It returns once every endpoint has either
// succeeded or exhausted its retry budget or cfg.MaxWaitMs, whichever
// comes first.
func (p *Prober) ProbeAll(ctx context.Context, endpoints []models.Endpoint, cfg models.ProbeConfig) *models.HealthCheck {
	maxWait := time.Duration(cfg.MaxWaitMs) * time.Millisecond
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	results := make([]models.EndpointProgress, len(endpoints))
	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep models.Endpoint) {
			defer wg.Done()
			results[i] = p.probeWithRetry(deadlineCtx, ep, cfg)
		}(i, ep)
	}
	wg.Wait()

	overall := models.EndpointOK
	for _, r := range results {
		if r.Status != models.EndpointOK {
			overall = models.EndpointFailed
			break
		}
	}
	return &models.HealthCheck{Endpoints: results, Status: overall}
}

// probeWithRetry runs one endpoint's retry loop: exponential backoff
// with jitter between attempts, bounded by cfg.RetryAttempts and the
// parent context's deadline. Timeouts, refused connections, DNS
// failures and 5xx responses are retried; other failures end the loop.
func (p *Prober) probeWithRetry(ctx context.Context, ep models.Endpoint, cfg models.ProbeConfig) models.EndpointProgress {
	label := endpointLabel(ep)
	progress := models.EndpointProgress{Endpoint: label, Status: models.EndpointPending}

	maxAttempts := cfg.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseDelay := time.Duration(cfg.RetryDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		progress.Attempts = attempt
		progress.LastCheckedAt = time.Now()

		cat, status, err := p.probeOnce(ctx, ep, cfg)
		if err == nil {
			progress.Status = models.EndpointOK
			progress.LastError = ""
			return progress
		}

		progress.LastError = err.Error()
		progress.Status = models.EndpointFailed

		retryable := retryableCategories[cat] || (cat == categoryHTTPStatus && status >= 500)
		if !retryable || attempt == maxAttempts {
			return progress
		}

		delay := backoffWithJitter(baseDelay, attempt)
		select {
		case <-ctx.Done():
			return progress
		case <-time.After(delay):
		}
	}
	return progress
}

// probeOnce issues a single HTTP request (or, for protocol "tcp", a
// plain TCP connect) and classifies the outcome, also returning the
// HTTP status code when a response was received.
func (p *Prober) probeOnce(ctx context.Context, ep models.Endpoint, cfg models.ProbeConfig) (category, int, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if ep.Protocol == "tcp" {
		var d net.Dialer
		conn, err := d.DialContext(attemptCtx, "tcp", net.JoinHostPort(ep.Host, fmt.Sprint(ep.Port)))
		if err != nil {
			cat, err := classifyTransportError(err)
			return cat, 0, err
		}
		conn.Close()
		return "", 0, nil
	}

	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}
	target := fmt.Sprintf("%s://%s:%d%s", protocolOrDefault(ep.Protocol), ep.Host, ep.Port, ep.Path)

	req, err := http.NewRequestWithContext(attemptCtx, method, target, nil)
	if err != nil {
		return categoryHTTPStatus, 0, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		cat, err := classifyTransportError(err)
		return cat, 0, err
	}
	defer resp.Body.Close()

	expected := ep.ExpectedStatus
	if expected == 0 {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return categoryHTTPStatus, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	} else if resp.StatusCode != expected {
		return categoryHTTPStatus, resp.StatusCode, fmt.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}

	if ep.ErrorIndicator != "" && method != http.MethodHead {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if strings.Contains(string(body), ep.ErrorIndicator) {
			return categoryBodyRejected, resp.StatusCode, fmt.Errorf("response body contains error indicator %q", ep.ErrorIndicator)
		}
	}

	return "", resp.StatusCode, nil
}

func protocolOrDefault(p string) string {
	if p == "" {
		return "http"
	}
	return p
}

func endpointLabel(ep models.Endpoint) string {
	return fmt.Sprintf("%s://%s:%d%s", protocolOrDefault(ep.Protocol), ep.Host, ep.Port, ep.Path)
}

// classifyTransportError maps a transport-level error into one of the
// non-HTTP categories: TIMEOUT, CONNECTION_REFUSED, DNS,
// or TLS.
func classifyTransportError(err error) (category, error) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return categoryDNS, err
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) || strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate") {
		return categoryTLS, err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return categoryTimeout, err
	}

	if strings.Contains(err.Error(), "connection refused") {
		return categoryConnectionRefused, err
	}

	return categoryTimeout, err
}

// backoffWithJitter returns baseDelay * 2^(attempt-1), capped at 30s,
// plus up to 20% random jitter.
func backoffWithJitter(baseDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5 + 1))
	return delay + jitter
}

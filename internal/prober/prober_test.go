package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

func endpointFor(t *testing.T, srv *httptest.Server, path string) models.Endpoint {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return models.Endpoint{Host: u.Hostname(), Port: port, Path: path, Protocol: "http"}
}

func TestProbeAllReadyWhenAllEndpointsSucceed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	ep := endpointFor(t, srv, "/health")
	hc := p.ProbeAll(context.Background(), []models.Endpoint{ep}, models.ProbeConfig{
		TimeoutMs: 1000, RetryAttempts: 2, RetryDelayMs: 10, MaxWaitMs: 5000,
	})

	assert.Equal(t, models.EndpointOK, hc.Status)
	require.Len(t, hc.Endpoints, 1)
	assert.Equal(t, models.EndpointOK, hc.Endpoints[0].Status)
}

func TestProbeAllFailedWhenOneEndpointPersistentlyFails(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	p := New()
	endpoints := []models.Endpoint{endpointFor(t, ok, "/ok"), endpointFor(t, bad, "/bad")}
	hc := p.ProbeAll(context.Background(), endpoints, models.ProbeConfig{
		TimeoutMs: 500, RetryAttempts: 2, RetryDelayMs: 5, MaxWaitMs: 3000,
	})

	assert.Equal(t, models.EndpointFailed, hc.Status)
	assert.Equal(t, models.EndpointOK, hc.Endpoints[0].Status)
	assert.Equal(t, models.EndpointFailed, hc.Endpoints[1].Status)
	assert.Equal(t, 2, hc.Endpoints[1].Attempts, "should have retried up to RetryAttempts")
}

func TestProbeHonorsExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New()
	ep := endpointFor(t, srv, "/x")
	ep.ExpectedStatus = http.StatusCreated
	hc := p.ProbeAll(context.Background(), []models.Endpoint{ep}, models.ProbeConfig{
		TimeoutMs: 500, RetryAttempts: 1, RetryDelayMs: 5, MaxWaitMs: 2000,
	})

	assert.Equal(t, models.EndpointOK, hc.Status)
}

func TestProbeRejectsBodyContainingErrorIndicator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"error: boot failed"}`))
	}))
	defer srv.Close()

	p := New()
	ep := endpointFor(t, srv, "/x")
	ep.ErrorIndicator = "error:"
	hc := p.ProbeAll(context.Background(), []models.Endpoint{ep}, models.ProbeConfig{
		TimeoutMs: 500, RetryAttempts: 1, RetryDelayMs: 5, MaxWaitMs: 2000,
	})

	assert.Equal(t, models.EndpointFailed, hc.Status)
	assert.Contains(t, hc.Endpoints[0].LastError, "error indicator")
}

func TestProbeAllRunsEndpointsConcurrently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New()
	endpoints := []models.Endpoint{
		endpointFor(t, srv, "/a"), endpointFor(t, srv, "/b"), endpointFor(t, srv, "/c"),
	}
	start := time.Now()
	hc := p.ProbeAll(context.Background(), endpoints, models.ProbeConfig{
		TimeoutMs: 1000, RetryAttempts: 1, RetryDelayMs: 5, MaxWaitMs: 5000,
	})
	elapsed := time.Since(start)

	assert.Equal(t, models.EndpointOK, hc.Status)
	assert.Less(t, elapsed, 280*time.Millisecond, "endpoints should be probed in parallel, not serially")
}

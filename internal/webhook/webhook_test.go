package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

type stubTransport struct {
	calls     int32
	responses []int
	lastBody  []byte
	lastSig   string
}

func (s *stubTransport) Do(req *http.Request) (*http.Response, error) {
	i := atomic.AddInt32(&s.calls, 1) - 1
	body, _ := io.ReadAll(req.Body)
	s.lastBody = body
	s.lastSig = req.Header.Get("X-Signature")

	status := s.responses[len(s.responses)-1]
	if int(i) < len(s.responses) {
		status = s.responses[i]
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func newEvent() models.WebhookEvent {
	return models.WebhookEvent{Event: models.EventInstanceReady, InstanceID: "i-1", Timestamp: time.Now()}
}

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	stub := &stubTransport{responses: []int{200}}
	d := New(Config{HTTPClient: stub, MaxRetries: 3})

	outcome, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestDeliverRetriesOn5xxThenSucceeds(t *testing.T) {
	stub := &stubTransport{responses: []int{500, 500, 200}}
	d := New(Config{HTTPClient: stub, MaxRetries: 3})

	outcome, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&stub.calls))
}

func TestDeliverTerminalOn4xxNoRetry(t *testing.T) {
	stub := &stubTransport{responses: []int{404}}
	d := New(Config{HTTPClient: stub, MaxRetries: 3})

	outcome, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-3")
	require.Error(t, err)
	assert.Equal(t, OutcomeTerminal, outcome)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestDeliverRetryableAfterExhaustingAttempts(t *testing.T) {
	stub := &stubTransport{responses: []int{500, 500, 500}}
	d := New(Config{HTTPClient: stub, MaxRetries: 3})

	outcome, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-4")
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryable, outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&stub.calls))
}

func TestDeliverSignsBodyWhenSecretConfigured(t *testing.T) {
	stub := &stubTransport{responses: []int{200}}
	d := New(Config{HTTPClient: stub, Secret: "s3cr3t", MaxRetries: 3})

	_, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-5")
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(stub.lastBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, stub.lastSig)
}

func TestDeliverOmitsSignatureWithoutSecret(t *testing.T) {
	stub := &stubTransport{responses: []int{200}}
	d := New(Config{HTTPClient: stub, MaxRetries: 3})

	_, err := d.Deliver(context.Background(), "https://hooks.test/x", newEvent(), "req-6")
	require.NoError(t, err)
	assert.Empty(t, stub.lastSig)
}

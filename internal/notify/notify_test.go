package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/core"
)

func testAlert() core.Alert {
	return core.Alert{
		Kind:     core.AlertAccountLocked,
		Severity: core.SeverityHigh,
		Subject:  "account locked: a@example.com",
		At:       time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookDeliversJSON(t *testing.T) {
	var received core.Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL})
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), testAlert()))
	assert.Equal(t, core.AlertAccountLocked, received.Kind)
	assert.Equal(t, "account locked: a@example.com", received.Subject)
}

func TestWebhookBreakerStopsDelivery(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, BreakerThreshold: 2, BreakerCooldown: time.Hour})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.Error(t, n.Notify(context.Background(), testAlert()))
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", n.State())
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{})
	require.Error(t, err)
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(context.Context, core.Alert) error {
	s.calls++
	return s.err
}

func TestMultiNotifiesAll(t *testing.T) {
	failing := &stubNotifier{err: errors.New("boom")}
	ok := &stubNotifier{}
	multi := Multi{LogNotifier{}, failing, nil, ok}

	err := multi.Notify(context.Background(), testAlert())
	require.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

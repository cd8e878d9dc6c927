package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/core/engine"
)

type recordingLimiter struct {
	decision    engine.Decision
	identifiers []string
	classes     []engine.LimitClass
}

func (l *recordingLimiter) Check(_ context.Context, identifier string, class engine.LimitClass) engine.Decision {
	l.identifiers = append(l.identifiers, identifier)
	l.classes = append(l.classes, class)
	return l.decision
}

func TestClientKeysHonoursOnlyConfiguredAPIKeys(t *testing.T) {
	key := ClientKeys([]string{"key-123"}, false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"

	id, err := key(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:192.0.2.10", id)

	req.Header.Set(HeaderAPIKey, " key-123 ")
	id, err = key(req)
	require.NoError(t, err)
	assert.Equal(t, "key:key-123", id)

	req.Header.Set(HeaderAPIKey, "made-up")
	id, err = key(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:192.0.2.10", id, "unknown keys fall back to the address")
}

func TestClientKeysIgnoresForwardingHeadersUnlessTrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("True-Client-IP", "203.0.113.8")

	id, err := ClientKeys(nil, false)(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:192.0.2.10", id)

	id, err = ClientKeys(nil, true)(req)
	require.NoError(t, err)
	assert.Equal(t, "ip:203.0.113.8", id)
}

func TestRateLimitRotatingAPIKeysShareAddressQuota(t *testing.T) {
	limiter := &engine.RateLimiter{
		Store:  engine.NewMemoryWindowStore(),
		Limits: map[engine.LimitClass]engine.RateLimit{engine.ClassGeneral: {RequestsPerWindow: 3, WindowDuration: time.Minute}},
	}
	denied := 0
	handler := RateLimit(limiter, engine.ClassGeneral, ClientKeys([]string{"issued"}, false),
		func(w http.ResponseWriter, _ *http.Request, _ engine.Decision) {
			denied++
			w.WriteHeader(http.StatusTooManyRequests)
		})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		req.RemoteAddr = "198.51.100.4:5000"
		req.Header.Set(HeaderAPIKey, "fabricated-"+strconv.Itoa(i))
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 17, denied)
}

func TestRateLimitAllowsAndSetsHeaders(t *testing.T) {
	reset := time.Now().Add(30 * time.Second)
	limiter := &recordingLimiter{decision: engine.Decision{Allowed: true, Limit: 100, Remaining: 42, ResetAt: reset}}
	called := false
	handler := RateLimit(limiter, engine.ClassSearch, nil, func(http.ResponseWriter, *http.Request, engine.Decision) {
		t.Fatal("deny called for an allowed request")
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "100", rec.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "42", rec.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), rec.Header().Get(HeaderRateLimitReset))
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, []engine.LimitClass{engine.ClassSearch}, limiter.classes)
	assert.Equal(t, []string{"ip:192.0.2.10"}, limiter.identifiers)
}

func TestRateLimitDeniesWithRetryAfter(t *testing.T) {
	limiter := &recordingLimiter{decision: engine.Decision{Allowed: false, Limit: 5, Remaining: -1, ResetAt: time.Now().Add(10 * time.Second)}}
	var denied engine.Decision
	handler := RateLimit(limiter, engine.ClassGeneral, nil, func(w http.ResponseWriter, _ *http.Request, d engine.Decision) {
		denied = d
		w.WriteHeader(http.StatusTooManyRequests)
	})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler called for a denied request")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 5, denied.Limit)
	assert.Equal(t, "0", rec.Header().Get(HeaderRateLimitRemaining))
	retryAfter := rec.Header().Get("Retry-After")
	assert.Contains(t, []string{"10", "11"}, retryAfter)
}

func TestRetryAfterSecondsFloorsAtOne(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 1, retryAfterSeconds(now.Add(-time.Second), now))
	assert.Equal(t, 3, retryAfterSeconds(now.Add(2500*time.Millisecond), now))
}

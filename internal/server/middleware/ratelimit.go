package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/florasync/florasync/internal/core/engine"
)

// Rate limit headers set on every admitted or rejected request.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderAPIKey             = "X-API-Key"
)

// Limiter is the admission check used by RateLimit.
type Limiter interface {
	Check(ctx context.Context, identifier string, class engine.LimitClass) engine.Decision
}

// DenyFunc writes the rejection for a throttled request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, decision engine.Decision)

// KeyFunc names the client a request is charged to.
type KeyFunc func(r *http.Request) (string, error)

// ClientKeys keys a request by its X-API-Key only when the key is one of
// apiKeys. Every other request is keyed by the connection address, or by the
// forwarded client address when trustProxy is set.
func ClientKeys(apiKeys []string, trustProxy bool) KeyFunc {
	known := make(map[string]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		if key = strings.TrimSpace(key); key != "" {
			known[key] = struct{}{}
		}
	}
	byAddr := httprate.KeyByIP
	if trustProxy {
		byAddr = httprate.KeyByRealIP
	}

	return func(r *http.Request) (string, error) {
		if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
			if _, ok := known[key]; ok {
				return "key:" + key, nil
			}
		}
		ip, err := byAddr(r)
		if err != nil {
			return "", err
		}
		return "ip:" + ip, nil
	}
}

// RateLimit admits requests through limiter under class. Headers are written
// before the handler runs so they are present on every response. A nil key
// charges requests to the connection address.
func RateLimit(limiter Limiter, class engine.LimitClass, key KeyFunc, deny DenyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientKeys(nil, false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier, err := key(r)
			if err != nil || identifier == "" {
				identifier = "ip:unknown"
			}

			decision := limiter.Check(r.Context(), identifier, class)
			setRateLimitHeaders(w.Header(), decision)

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.ResetAt, time.Now())))
				deny(w, r, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(h http.Header, decision engine.Decision) {
	h.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(max(decision.Remaining, 0)))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func retryAfterSeconds(resetAt, now time.Time) int {
	seconds := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(seconds, 1)
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/metrics"
	"github.com/florasync/florasync/internal/observability"
)

const sinkWebhook = "webhook"

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// BreakerThreshold consecutive delivery failures stop delivery for
	// BreakerCooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	Logger           *logging.Logger
}

// WebhookNotifier posts alerts as JSON. Delivery stops while the receiving
// endpoint keeps failing; dropped alerts are counted and logged.
type WebhookNotifier struct {
	url     string
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *logging.Logger
}

// NewWebhookNotifier builds a notifier for cfg.URL.
func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = time.Minute
	}

	n := &WebhookNotifier{
		url: cfg.URL,
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetJSONMarshaler(json.Marshal).
			SetRetryCount(0),
		logger: cfg.Logger,
	}
	threshold := cfg.BreakerThreshold
	n.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "alert-webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, from.String(), to.String())
			observability.Resolve(n.logger).Info("Webhook breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return n, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert core.Alert) error {
	_, err := n.breaker.Execute(func() (*resty.Response, error) {
		resp, err := n.http.R().SetContext(ctx).SetBody(alert).Post(n.url)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, fmt.Errorf("webhook returned %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err == nil {
		return nil
	}

	reason := "delivery_failed"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = "breaker_open"
	}
	metrics.RecordNotificationDropped(sinkWebhook, reason)
	observability.Resolve(n.logger).Warn("Alert dropped",
		zap.String("sink", sinkWebhook),
		zap.String("reason", reason),
		zap.String("kind", string(alert.Kind)),
		zap.Error(err))
	return fmt.Errorf("deliver alert: %w", err)
}

// State reports the delivery breaker state.
func (n *WebhookNotifier) State() string {
	return n.breaker.State().String()
}

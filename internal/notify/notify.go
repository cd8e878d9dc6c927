// Package notify delivers operator alerts.
package notify

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/florasync/florasync/internal/core"
	"github.com/florasync/florasync/internal/observability"
)

// Notifier delivers one alert. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert core.Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	Logger *logging.Logger
}

func (n LogNotifier) Notify(_ context.Context, alert core.Alert) error {
	fields := []zap.Field{
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", alert.Subject),
		zap.Time("at", alert.At),
	}
	if alert.Message != "" {
		fields = append(fields, zap.String("message", alert.Message))
	}
	if len(alert.Fields) > 0 {
		fields = append(fields, zap.Any("fields", alert.Fields))
	}

	logger := observability.Resolve(n.Logger)
	switch alert.Severity {
	case core.SeverityHigh, core.SeverityCritical:
		logger.Warn("Operator alert", fields...)
	default:
		logger.Info("Operator alert", fields...)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert core.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package metrics

import (
	"strconv"
	"time"

	"github.com/florasync/florasync/internal/observability"
)

// Domain metric names
const (
	RateLimitDecisionsTotal   = "ratelimit_decisions_total"
	BreakerTransitionsTotal   = "circuit_breaker_transitions_total"
	CatalogRequestsTotal      = "catalog_requests_total"
	CatalogRequestDuration    = "catalog_request_duration_ms"
	ImportRunsTotal           = "import_runs_total"
	ImportRunDuration         = "import_run_duration_ms"
	ImportItemsTotal          = "import_items_total"
	DeltaSyncRequestsTotal    = "delta_sync_requests_total"
	DeltaSyncRecordsTotal     = "delta_sync_records_total"
	SecurityEventsTotal       = "security_events_total"
	NotificationsDroppedTotal = "notifications_dropped_total"
)

// RecordRateLimitDecision counts one admission decision.
// outcome is one of allowed, denied or degraded.
func RecordRateLimitDecision(class, outcome string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			RateLimitDecisionsTotal,
			1,
			map[string]string{
				"class":   class,
				"outcome": outcome,
			},
		)
	}
}

// RecordBreakerTransition counts a circuit breaker state change.
func RecordBreakerTransition(name, from, to string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			BreakerTransitionsTotal,
			1,
			map[string]string{
				"breaker": name,
				"from":    from,
				"to":      to,
			},
		)
	}
}

// RecordCatalogRequest records one outbound catalog call.
func RecordCatalogRequest(operation, outcome string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			CatalogRequestsTotal,
			1,
			map[string]string{
				"operation": operation,
				"outcome":   outcome,
			},
		)
		_ = observability.TelemetrySystem.Histogram(
			CatalogRequestDuration,
			duration,
			map[string]string{
				"operation": operation,
			},
		)
	}
}

// RecordImportRun records the end of an importer run.
func RecordImportRun(provider, status string, duration time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ImportRunsTotal,
			1,
			map[string]string{
				"provider": provider,
				"status":   status,
			},
		)
		_ = observability.TelemetrySystem.Histogram(
			ImportRunDuration,
			duration,
			map[string]string{
				"provider": provider,
			},
		)
	}
}

// RecordImportItems counts processed items by outcome (enriched, created, unchanged, skipped).
func RecordImportItems(provider, outcome string, count int) {
	if count <= 0 {
		return
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			ImportItemsTotal,
			float64(count),
			map[string]string{
				"provider": provider,
				"outcome":  outcome,
			},
		)
	}
}

// RecordDeltaSync records one delta sync response.
func RecordDeltaSync(records int, truncated bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			DeltaSyncRequestsTotal,
			1,
			map[string]string{
				"truncated": strconv.FormatBool(truncated),
			},
		)
		_ = observability.TelemetrySystem.Counter(
			DeltaSyncRecordsTotal,
			float64(records),
			nil,
		)
	}
}

// RecordSecurityEvent counts an appended security event.
func RecordSecurityEvent(eventType, severity string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SecurityEventsTotal,
			1,
			map[string]string{
				"type":     eventType,
				"severity": severity,
			},
		)
	}
}

// RecordNotificationDropped counts an admin alert that could not be delivered.
func RecordNotificationDropped(sink, reason string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			NotificationsDroppedTotal,
			1,
			map[string]string{
				"sink":   sink,
				"reason": reason,
			},
		)
	}
}

package core

import "time"

// AlertKind names an admin notification.
type AlertKind string

const (
	AlertAccountLocked  AlertKind = "account_locked"
	AlertBreakerOpened  AlertKind = "breaker_opened"
	AlertImportAborted  AlertKind = "import_aborted"
	AlertImportFinished AlertKind = "import_finished"
)

// Alert is a message for operators. Delivery is best effort.
type Alert struct {
	Kind     AlertKind      `json:"kind"`
	Severity Severity       `json:"severity"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

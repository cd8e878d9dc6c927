package core

import "time"

// Severity classifies a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity returns the severity named by value.
func ParseSeverity(value string) (Severity, bool) {
	s := Severity(value)
	return s, s.Rank() > 0
}

// SecurityEventType names what happened.
type SecurityEventType string

const (
	EventLoginFailed    SecurityEventType = "login_failed"
	EventLoginSucceeded SecurityEventType = "login_succeeded"
	EventAccountLocked  SecurityEventType = "account_locked"
	EventLockedAttempt  SecurityEventType = "locked_attempt"
	EventAdminUnlock    SecurityEventType = "admin_unlock"
)

// SecurityEvent is an immutable audit fact.
type SecurityEvent struct {
	ID         string            `json:"id"`
	Type       SecurityEventType `json:"type"`
	Severity   Severity          `json:"severity"`
	AccountKey string            `json:"account_key"`
	IP         string            `json:"ip,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// SecurityEventFilter narrows an event query.
type SecurityEventFilter struct {
	AccountKey  string
	Type        SecurityEventType
	MinSeverity Severity
	Since       time.Time
	Limit       int
}

// LockoutRecord is the failed-attempt state of one account.
type LockoutRecord struct {
	AccountKey     string     `json:"account_key"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LockoutCount   int        `json:"lockout_count"`
}

// Locked reports whether the record denies attempts at now.
func (r *LockoutRecord) Locked(now time.Time) bool {
	return r != nil && r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

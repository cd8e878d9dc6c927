package core

import "time"

// RateLimitState captures the counting state of one rate limit window.
type RateLimitState struct {
	RequestCount int
	WindowStart  time.Time
	BackoffUntil *time.Time
	Last429At    *time.Time
}

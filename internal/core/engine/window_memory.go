package engine

import (
	"context"
	"sync"
	"time"

	"github.com/florasync/florasync/internal/core"
)

// MemoryWindowStore keeps rate limit windows in process memory.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	state  core.RateLimitState
	window time.Duration
}

// NewMemoryWindowStore returns an empty store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]*memoryWindow)}
}

func (m *MemoryWindowStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &memoryWindow{state: core.RateLimitState{WindowStart: now}}
		m.windows[key] = w
	}
	w.window = window
	if !now.Before(w.state.WindowStart.Add(window)) {
		w.state.RequestCount = 0
		w.state.WindowStart = now
	}
	w.state.RequestCount++

	state := w.state
	return &state, nil
}

func (m *MemoryWindowStore) SetBackoff(_ context.Context, key string, until, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &memoryWindow{state: core.RateLimitState{WindowStart: now}}
		m.windows[key] = w
	}
	w.state.BackoffUntil = &until
	w.state.Last429At = &now
	if until.Sub(now) > w.window {
		w.window = until.Sub(now)
	}
	return nil
}

// Sweep drops windows that have elapsed and carry no active backoff.
func (m *MemoryWindowStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if now.Before(w.state.WindowStart.Add(w.window)) {
			continue
		}
		if w.state.BackoffUntil != nil && now.Before(*w.state.BackoffUntil) {
			continue
		}
		delete(m.windows, key)
		removed++
	}
	return removed
}

// Len reports how many windows are tracked.
func (m *MemoryWindowStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

package gate

import (
	"context"
	"sync"
)

// MemoryStore keeps gate state for the lifetime of the process.
type MemoryStore[K comparable] struct {
	mu     sync.Mutex
	states map[K]State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore[K comparable]() *MemoryStore[K] {
	return &MemoryStore[K]{states: make(map[K]State)}
}

func (m *MemoryStore[K]) Get(_ context.Context, key K) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	return state, ok, nil
}

func (m *MemoryStore[K]) Update(_ context.Context, key K, fn func(State) (State, error)) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.states[key])
	if err != nil {
		return State{}, err
	}
	m.states[key] = next
	return next, nil
}

func (m *MemoryStore[K]) Delete(_ context.Context, key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// Snapshot copies all stored states.
func (m *MemoryStore[K]) Snapshot() map[K]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[K]State, len(m.states))
	for key, state := range m.states {
		out[key] = state
	}
	return out
}

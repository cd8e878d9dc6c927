package engine

import (
	"context"
	"sync"
)

// RunLock guarantees at most one importer run per name. TryAcquire never
// blocks: ok is false when another holder has the lock.
type RunLock interface {
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// LocalRunLock serializes runs inside one process.
type LocalRunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalRunLock returns an unlocked LocalRunLock.
func NewLocalRunLock() *LocalRunLock {
	return &LocalRunLock{held: make(map[string]bool)}
}

func (l *LocalRunLock) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}

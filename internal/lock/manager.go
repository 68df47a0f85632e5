// Package lock provides the ledger's concurrency primitives: a per-key
// FIFO mutex, a pausable usage counter and a membership watcher.
package lock

import (
	"context"
	"sync"
)

// Manager hands out per-key locks in arrival order.
// Each ledger owns one; keys are never shared across managers.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is the state of one key.
type keyLock struct {
	waiters []chan struct{} // waiters are signaled in FIFO order
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx is done.
// The returned release function is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()

	kl, held := m.locks[key]
	if !held {
		m.locks[key] = &keyLock{}
		m.mu.Unlock()

		return m.releaser(key), nil
	}

	ch := make(chan struct{})
	kl.waiters = append(kl.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(key), nil

	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range kl.waiters {
			if w == ch {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()

		// Ownership was handed over concurrently; pass it on.
		m.releaser(key)()

		return nil, ctx.Err()
	}
}

// With runs fn while holding key.
func (m *Manager) With(ctx context.Context, key string, fn func() error) error {
	release, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	return fn()
}

// releaser returns a one-shot release for key.
func (m *Manager) releaser(key string) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			kl := m.locks[key]
			if len(kl.waiters) == 0 {
				delete(m.locks, key)
				return
			}

			next := kl.waiters[0]
			kl.waiters = kl.waiters[1:]
			close(next)
		})
	}
}

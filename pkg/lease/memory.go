package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryManager serializes lease holders within a single process. Suitable
// for single-node deployments and tests; multi-instance deployments use the
// Redis manager instead.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*memoryEntry
}

type memoryEntry struct {
	held bool
	wait chan struct{}
	refs int
}

// NewMemoryManager constructs an in-process lease manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]*memoryEntry)}
}

// Acquire blocks until the per-key lock is free or ctx is cancelled.
func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	for {
		m.mu.Lock()
		entry, ok := m.locks[key]
		if !ok {
			entry = &memoryEntry{wait: make(chan struct{})}
			m.locks[key] = entry
		}
		if !entry.held {
			entry.held = true
			entry.refs++
			m.mu.Unlock()
			return &memoryLease{manager: m, key: key}, nil
		}
		entry.refs++
		wait := entry.wait
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.unref(key)
			return nil, ctx.Err()
		case <-wait:
			m.unref(key)
		}
	}
}

// TryAcquire returns ErrHeld when the key is locked.
func (m *MemoryManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &memoryEntry{wait: make(chan struct{})}
		m.locks[key] = entry
	}
	if entry.held {
		return nil, ErrHeld
	}
	entry.held = true
	entry.refs++
	return &memoryLease{manager: m, key: key}, nil
}

func (m *MemoryManager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[key]
	if !ok {
		return
	}
	entry.held = false
	close(entry.wait)
	entry.wait = make(chan struct{})
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

func (m *MemoryManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 && !entry.held {
		delete(m.locks, key)
	}
}

type memoryLease struct {
	manager *MemoryManager
	key     string
	once    sync.Once
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.manager.release(l.key)
	})
	return nil
}

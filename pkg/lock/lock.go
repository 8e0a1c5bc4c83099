package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrNotAcquired indicates that the lock is currently held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager coordinates access to named locks, one per key.
type Manager interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// NoopManager returns an immediately acquired lease without performing any remote coordination.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context, _ string) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

// MemoryManager holds keyed locks inside the process.
type MemoryManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryManager constructs an in-process keyed lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{held: make(map[string]struct{})}
}

// Acquire implements Manager for MemoryManager. It never blocks.
func (m *MemoryManager) Acquire(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrNotAcquired
	}
	m.held[key] = struct{}{}
	return &memoryLease{manager: m, key: key}, nil
}

type memoryLease struct {
	manager *MemoryManager
	key     string
	once    sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		delete(l.manager.held, l.key)
		l.manager.mu.Unlock()
	})
	return nil
}

var _ Manager = (*NoopManager)(nil)
var _ Manager = (*MemoryManager)(nil)
var _ Lease = (*noopLease)(nil)
var _ Lease = (*memoryLease)(nil)

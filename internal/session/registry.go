package session

import (
	"context"
	"log/slog"
	"sync"
)

// Lease is an acquired single-active-session slot.
type Lease interface {
	// Replaced is closed when a newer session takes the slot. The holder
	// then winds down silently.
	Replaced() <-chan struct{}

	// Release frees the slot if this lease still holds it. Releasing a
	// displaced or already-released lease is a no-op.
	Release(ctx context.Context) error
}

// Registry hands out the single active-session slot per agent public id.
// Acquire always succeeds against a healthy backend: an occupied slot is
// taken over and the prior holder is notified through its lease.
type Registry interface {
	// Acquire takes the slot for key on behalf of sessionID, displacing
	// any current holder.
	Acquire(ctx context.Context, key, sessionID string) (Lease, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error
}

// MemoryRegistry keeps session slots in process memory. Correct for a
// single-instance deployment; multi-instance deployments need the Redis
// registry so displacement crosses process boundaries.
type MemoryRegistry struct {
	mu      sync.Mutex
	holders map[string]*memoryLease
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{holders: make(map[string]*memoryLease)}
}

// Acquire implements [Registry].
func (r *MemoryRegistry) Acquire(_ context.Context, key, sessionID string) (Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior := r.holders[key]; prior != nil {
		prior.markReplaced()
		slog.Info("displaced prior session",
			"agent_public_id", key,
			"prior_session_id", prior.sessionID,
			"session_id", sessionID)
	}

	l := &memoryLease{
		registry:  r,
		key:       key,
		sessionID: sessionID,
		replaced:  make(chan struct{}),
	}
	r.holders[key] = l
	return l, nil
}

// Ping implements [Registry]. The in-process backend is always healthy.
func (r *MemoryRegistry) Ping(context.Context) error { return nil }

var _ Registry = (*MemoryRegistry)(nil)

type memoryLease struct {
	registry  *MemoryRegistry
	key       string
	sessionID string

	replaced     chan struct{}
	replacedOnce sync.Once
}

func (l *memoryLease) markReplaced() {
	l.replacedOnce.Do(func() { close(l.replaced) })
}

// Replaced implements [Lease].
func (l *memoryLease) Replaced() <-chan struct{} { return l.replaced }

// Release implements [Lease]. Ownership-checked: a displaced lease cannot
// evict the new holder.
func (l *memoryLease) Release(context.Context) error {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	if l.registry.holders[l.key] == l {
		delete(l.registry.holders, l.key)
	}
	return nil
}

var _ Lease = (*memoryLease)(nil)

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry struct {
	// mu serializes Update calls for one key.
	mu       sync.Mutex
	current  atomic.Pointer[Session]
	detached atomic.Bool
}

// MemoryRegistry keeps sessions in process memory. Everything is lost on restart.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
	now     func() time.Time
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, key string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.entries[key]; exists {
		return ErrKeyCollision
	}

	stored := s.Clone()
	now := r.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	e := &memoryEntry{}
	e.current.Store(stored)
	r.entries[key] = e
	return nil
}

// Rekey implements Registry.
func (r *MemoryRegistry) Rekey(_ context.Context, oldKey, newKey string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	e, exists := r.entries[oldKey]
	if !exists {
		r.mu.Unlock()
		return ErrKeyNotFound
	}
	if _, taken := r.entries[newKey]; taken {
		r.mu.Unlock()
		return ErrKeyCollision
	}
	// Readers of newKey must never see the old call id.
	published := e.current.Load().Clone()
	published.CallID = newKey
	e.current.Store(published)
	delete(r.entries, oldKey)
	r.entries[newKey] = e
	r.mu.Unlock()

	// An Update running under oldKey may have stored its own copy meanwhile.
	// The entry lock is taken after the map lock is released so that a long
	// Update on this key never stalls other sessions.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached.Load() {
		return nil
	}
	moved := e.current.Load().Clone()
	moved.CallID = newKey
	e.current.Store(moved)
	return nil
}

// Get implements Registry.
// Reads never wait for an Update in progress; they see the last stored state.
func (r *MemoryRegistry) Get(_ context.Context, key string) (*Session, error) {
	e, err := r.lookup(key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	return e.current.Load().Clone(), nil
}

// Update implements Registry.
func (r *MemoryRegistry) Update(_ context.Context, key string, fn func(*Session) error) error {
	e, err := r.lookup(key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.detached.Load() {
		return ErrKeyNotFound
	}

	working := e.current.Load().Clone()
	if err := fn(working); err != nil {
		return err
	}
	// Removed while fn was running.
	if e.detached.Load() {
		return ErrKeyNotFound
	}
	working.UpdatedAt = r.now()
	e.current.Store(working)
	return nil
}

// Remove implements Registry.
func (r *MemoryRegistry) Remove(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[key]; exists {
		e.detached.Store(true)
		delete(r.entries, key)
	}
	return nil
}

// Len returns the number of stored sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		e.detached.Store(true)
	}
	r.entries = nil
	r.closed = true
	return nil
}

func (r *MemoryRegistry) lookup(key string) (*memoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	e, exists := r.entries[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return e, nil
}

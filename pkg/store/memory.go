package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryStorage keeps all caches in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
	closed bool
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		caches: make(map[string]*memoryCache),
	}
}

// Open returns the cache for role, creating it if absent.
func (s *MemoryStorage) Open(ctx context.Context, role string) (Cache, error) {
	if role == "" {
		return nil, fmt.Errorf("role cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.caches[role]; ok {
		return c, nil
	}

	c := &memoryCache{
		role:    role,
		entries: make(map[string]memoryEntry),
	}
	s.caches[role] = c
	s.order = append(s.order, role)
	return c, nil
}

// OpenExisting returns the cache for role if it exists.
func (s *MemoryStorage) OpenExisting(ctx context.Context, role string) (Cache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.caches[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	return c, nil
}

// Has reports whether role exists.
func (s *MemoryStorage) Has(ctx context.Context, role string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.caches[role]
	return ok, nil
}

// Delete removes role and all its entries.
func (s *MemoryStorage) Delete(ctx context.Context, role string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	c, ok := s.caches[role]
	if !ok {
		return false, nil
	}

	// Handles held by callers stop seeing entries once the role is gone.
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.deleted = true
	c.mu.Unlock()

	delete(s.caches, role)
	for i, name := range s.order {
		if name == role {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	RolesDeleted.Inc()
	return true, nil
}

// Keys returns the role names in creation order.
func (s *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), s.order...), nil
}

// Match looks key up in roles in order.
func (s *MemoryStorage) Match(ctx context.Context, key RequestKey, roles ...string) (*Entry, error) {
	return matchRoles(ctx, s, key, roles)
}

// Close drops all caches.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.caches = make(map[string]*memoryCache)
	s.order = nil
	return nil
}

type memoryEntry struct {
	key   RequestKey
	entry Entry
}

type memoryCache struct {
	role    string
	mu      sync.RWMutex
	entries map[string]memoryEntry
	deleted bool
}

func (c *memoryCache) Role() string {
	return c.role
}

func (c *memoryCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(c.role).Inc()
	return copyEntry(&e.entry), nil
}

func (c *memoryCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("put into deleted role %q: %w", c.role, ErrClosed)
	}
	c.entries[key.String()] = memoryEntry{key: key, entry: *copyEntry(entry)}
	CacheWrites.WithLabelValues(c.role).Inc()
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	if _, ok := c.entries[k]; !ok {
		return false, nil
	}
	delete(c.entries, k)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]RequestKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]RequestKey, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key)
	}
	return keys, nil
}

func copyEntry(e *Entry) *Entry {
	return &Entry{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       bytes.Clone(e.Body),
		CachedAt:   e.CachedAt,
	}
}

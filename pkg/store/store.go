package store

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrClosed is returned by operations on a closed storage
	ErrClosed = errors.New("storage closed")

	// ErrRoleNotFound is returned by OpenExisting for a role that does not exist
	ErrRoleNotFound = errors.New("cache role not found")
)

// Storage is a set of named caches.
//
// Implementations must be safe for concurrent use. Per-key reads and writes are
// atomic; Delete removes a role with all of its entries atomically.
type Storage interface {
	// Open returns the cache for role, creating it if absent.
	Open(ctx context.Context, role string) (Cache, error)

	// OpenExisting returns the cache for role without creating it, or
	// ErrRoleNotFound. Puts through the handle fail once the role is deleted.
	OpenExisting(ctx context.Context, role string) (Cache, error)

	// Has reports whether role exists.
	Has(ctx context.Context, role string) (bool, error)

	// Delete removes role and all its entries. It reports whether the role existed.
	Delete(ctx context.Context, role string) (bool, error)

	// Keys returns the role names in creation order.
	Keys(ctx context.Context) ([]string, error)

	// Match looks key up in the given roles in order and returns the first hit.
	// Missing roles are skipped. Returns ErrCacheMiss when no role holds key.
	Match(ctx context.Context, key RequestKey, roles ...string) (*Entry, error)

	// Close releases backend resources.
	Close() error
}

// Cache is a single role's request → response map.
type Cache interface {
	// Role returns the cache's role name.
	Role() string

	// Match returns the entry stored for key or ErrCacheMiss.
	Match(ctx context.Context, key RequestKey) (*Entry, error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, key RequestKey, entry *Entry) error

	// Delete removes key. It reports whether an entry existed.
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys returns the stored request keys.
	Keys(ctx context.Context) ([]RequestKey, error)
}

// matchRoles implements Storage.Match on top of Has and Open.
func matchRoles(ctx context.Context, s Storage, key RequestKey, roles []string) (*Entry, error) {
	for _, role := range roles {
		c, err := s.OpenExisting(ctx, role)
		if errors.Is(err, ErrRoleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		entry, err := c.Match(ctx, key)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			return nil, err
		}
	}
	return nil, ErrCacheMiss
}

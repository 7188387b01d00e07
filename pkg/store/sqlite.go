package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS roles (
	name    TEXT PRIMARY KEY,
	created INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	role TEXT NOT NULL,
	key  TEXT NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (role, key)
);
`

// SQLiteStorage keeps roles and entries in a SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Open registers role if absent and returns its cache.
func (s *SQLiteStorage) Open(ctx context.Context, role string) (Cache, error) {
	if role == "" {
		return nil, fmt.Errorf("role cannot be empty")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO roles (name, created) VALUES (?, ?)",
		role, time.Now().UnixNano())
	if err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("sqlite insert role: %w", err)
	}

	return &sqliteCache{db: s.db, role: role}, nil
}

// OpenExisting returns the cache for role if it is registered.
func (s *SQLiteStorage) OpenExisting(ctx context.Context, role string) (Cache, error) {
	ok, err := s.Has(ctx, role)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	return &sqliteCache{db: s.db, role: role}, nil
}

// Has reports whether role is registered.
func (s *SQLiteStorage) Has(ctx context.Context, role string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM roles WHERE name = ?", role).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		CacheErrors.WithLabelValues("has").Inc()
		return false, fmt.Errorf("sqlite select role: %w", err)
	}
	return true, nil
}

// Delete removes the role and its entries in one transaction.
func (s *SQLiteStorage) Delete(ctx context.Context, role string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM roles WHERE name = ?", role)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete role: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE role = ?", role); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite commit: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	RolesDeleted.Inc()
	return true, nil
}

// Keys returns the role names in creation order.
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM roles ORDER BY created, rowid")
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("sqlite select roles: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite scan role: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// Match looks key up in roles in order.
func (s *SQLiteStorage) Match(ctx context.Context, key RequestKey, roles ...string) (*Entry, error) {
	return matchRoles(ctx, s, key, roles)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	db   *sql.DB
	role string
}

func (c *sqliteCache) Role() string {
	return c.role
}

func (c *sqliteCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT data FROM entries WHERE role = ? AND key = ?",
		c.role, key.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("sqlite select entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(c.role).Inc()
	return &entry, nil
}

func (c *sqliteCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
INSERT INTO entries (role, key, data)
SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM roles WHERE name = ?)
ON CONFLICT (role, key) DO UPDATE SET data = excluded.data`,
		c.role, key.String(), data, c.role)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("sqlite upsert entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("put into deleted role %q: %w", c.role, ErrClosed)
	}

	CacheWrites.WithLabelValues(c.role).Inc()
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		"DELETE FROM entries WHERE role = ? AND key = ?", c.role, key.String())
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete entry: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT key FROM entries WHERE role = ?", c.role)
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("sqlite select keys: %w", err)
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite scan key: %w", err)
		}
		key, err := ParseRequestKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

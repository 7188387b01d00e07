package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStorage.
const DefaultRedisPrefix = "offline"

// putIfRoleExists writes a hash field only while the role is registered,
// so a write racing a role delete cannot recreate the role's hash.
var putIfRoleExists = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
end
return -1
`)

// RedisStorage stores each role as a Redis hash and tracks roles in a sorted set.
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStorage creates a storage backed by redisClient.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStorage) rolesKey() string {
	return s.prefix + ":roles"
}

func (s *RedisStorage) cacheKey(role string) string {
	return s.prefix + ":cache:" + role
}

// Open registers role if absent and returns its cache.
func (s *RedisStorage) Open(ctx context.Context, role string) (Cache, error) {
	if role == "" {
		return nil, fmt.Errorf("role cannot be empty")
	}

	member := redis.Z{Score: float64(time.Now().UnixNano()), Member: role}
	if err := s.redis.ZAddNX(ctx, s.rolesKey(), member).Err(); err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("redis zadd: %w", err)
	}

	return &redisCache{storage: s, role: role}, nil
}

// OpenExisting returns the cache for role if it is registered.
// A delete racing the returned handle is caught by the Put script.
func (s *RedisStorage) OpenExisting(ctx context.Context, role string) (Cache, error) {
	ok, err := s.Has(ctx, role)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	return &redisCache{storage: s, role: role}, nil
}

// Has reports whether role is registered.
func (s *RedisStorage) Has(ctx context.Context, role string) (bool, error) {
	err := s.redis.ZScore(ctx, s.rolesKey(), role).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		CacheErrors.WithLabelValues("has").Inc()
		return false, fmt.Errorf("redis zscore: %w", err)
	}
	return true, nil
}

// Delete removes the role hash and its registration in one transaction.
func (s *RedisStorage) Delete(ctx context.Context, role string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.rolesKey(), role)
		pipe.Del(ctx, s.cacheKey(role))
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("redis delete role: %w", err)
	}

	if removed.Val() == 0 {
		return false, nil
	}
	RolesDeleted.Inc()
	return true, nil
}

// Keys returns the role names in creation order.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	roles, err := s.redis.ZRange(ctx, s.rolesKey(), 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return roles, nil
}

// Match looks key up in roles in order.
func (s *RedisStorage) Match(ctx context.Context, key RequestKey, roles ...string) (*Entry, error) {
	return matchRoles(ctx, s, key, roles)
}

// Close closes the underlying client.
func (s *RedisStorage) Close() error {
	return s.redis.Close()
}

type redisCache struct {
	storage *RedisStorage
	role    string
}

func (c *redisCache) Role() string {
	return c.role
}

func (c *redisCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	data, err := c.storage.redis.HGet(ctx, c.storage.cacheKey(c.role), key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(c.role).Inc()
	return &entry, nil
}

func (c *redisCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	res, err := putIfRoleExists.Run(ctx, c.storage.redis,
		[]string{c.storage.rolesKey(), c.storage.cacheKey(c.role)},
		c.role, key.String(), data,
	).Int()
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}
	if res < 0 {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("put into deleted role %q: %w", c.role, ErrClosed)
	}

	CacheWrites.WithLabelValues(c.role).Inc()
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	n, err := c.storage.redis.HDel(ctx, c.storage.cacheKey(c.role), key.String()).Result()
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]RequestKey, error) {
	fields, err := c.storage.redis.HKeys(ctx, c.storage.cacheKey(c.role)).Result()
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}

	keys := make([]RequestKey, 0, len(fields))
	for _, field := range fields {
		key, err := ParseRequestKey(field)
		if err != nil {
			if errors.Is(err, ErrInvalidEntry) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

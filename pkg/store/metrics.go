package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by role
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_hits_total",
			Help: "Total number of offline cache hits",
		},
		[]string{"role"},
	)

	// CacheMisses tracks cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_misses_total",
			Help: "Total number of offline cache misses",
		},
	)

	// CacheWrites tracks stored entries by role
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_writes_total",
			Help: "Total number of entries written to the offline cache",
		},
		[]string{"role"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "match", "put", "delete", "keys", "open"
	)

	// RolesDeleted tracks whole-role deletions
	RolesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_roles_deleted_total",
			Help: "Total number of cache roles deleted",
		},
	)
)

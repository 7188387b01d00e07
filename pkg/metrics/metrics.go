// Package metrics provides the Prometheus registry used by the offline worker.
// All metrics are defined in their respective packages (store, fetch,
// generation, strategy, control, clients, worker) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the offline worker.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the registry's read side, served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/strategy):
//   - offline_requests_total{class, strategy, outcome} (Counter): Intercepted requests;
//     outcome is hit, miss, bypass, fallback or error
//   - offline_request_duration_seconds{class} (Histogram): Time to serve a request
//   - offline_fallbacks_total{kind} (Counter): Offline substitutes served
//     (offline_document, synthesized, cache)
//
// Cache Metrics (pkg/store):
//   - offline_cache_hits_total{role} (Counter): Cache hits by role
//   - offline_cache_misses_total (Counter): Cache misses
//   - offline_cache_writes_total{role} (Counter): Entries written by role
//   - offline_cache_errors_total{operation} (Counter): Store and background write errors
//   - offline_cache_roles_deleted_total (Counter): Roles deleted
//
// Generation Metrics (pkg/generation):
//   - offline_generation_activations_total{outcome} (Counter): Activations (ok, error)
//   - offline_generation_purged_roles_total (Counter): Roles purged
//   - offline_precache_resources_total{outcome} (Counter): Precache attempts (stored, failed)
//
// Origin Metrics (pkg/fetch):
//   - offline_origin_requests_total{status} (Counter): Origin requests by HTTP status
//   - offline_origin_request_duration_seconds{method} (Histogram): Origin latency
//   - offline_origin_errors_total{class} (Counter): Errors by class (client, server, network)
//   - offline_retries_total{error_class} (Counter): Retry attempts
//   - offline_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - offline_retry_exhausted_total{error_class} (Counter): Operations that exhausted retries
//
// Lifecycle Metrics (pkg/worker, pkg/clients, pkg/control):
//   - offline_worker_events_total{kind, outcome} (Counter): Dispatched events
//   - offline_worker_active (Gauge): 1 while a worker is active
//   - offline_clients_attached (Gauge): Attached pages
//   - offline_client_messages_dropped_total (Counter): Messages dropped for slow clients
//   - offline_control_messages_total{type, outcome} (Counter): Control messages
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(offline_cache_hits_total[5m])) /
//   (sum(rate(offline_cache_hits_total[5m])) + sum(rate(offline_cache_misses_total[5m])))
//
//   # Offline Fallback Rate
//   sum(rate(offline_fallbacks_total[5m])) / sum(rate(offline_requests_total[5m]))
//
//   # Failed Activations
//   increase(offline_generation_activations_total{outcome="error"}[1h]) > 0
//
//   # P95 Request Latency by Class
//   histogram_quantile(0.95, sum by (le, class) (rate(offline_request_duration_seconds_bucket[5m])))

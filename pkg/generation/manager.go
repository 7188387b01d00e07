// Package generation manages versioned cache generations: precaching the
// must-have offline resources on install and purging every superseded
// generation on activation.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	activationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_generation_activations_total",
		Help: "Generation activations by outcome",
	}, []string{"outcome"})

	purgedRolesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_generation_purged_roles_total",
		Help: "Cache roles purged during activation or clear",
	})

	precacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_precache_resources_total",
		Help: "Precache attempts by outcome",
	}, []string{"outcome"})
)

// ErrPurgeIncomplete is returned when some roles could not be deleted.
var ErrPurgeIncomplete = errors.New("purge incomplete")

// Names are the role identifiers of one generation.
type Names struct {
	Static  string
	Runtime string
}

// NamesFor derives the role identifiers for prefix and version.
// The version is an opaque tag; it only needs to change across deployments.
func NamesFor(prefix, version string) Names {
	return Names{
		Static:  fmt.Sprintf("%s-static-%s", prefix, version),
		Runtime: fmt.Sprintf("%s-runtime-%s", prefix, version),
	}
}

// Current returns the roles that survive activation, static first.
func (n Names) Current() []string {
	return []string{n.Static, n.Runtime}
}

// Has reports whether role belongs to this generation. Comparison is exact.
func (n Names) Has(role string) bool {
	return role == n.Static || role == n.Runtime
}

// Origin fetches precache resources and maps paths onto the origin.
type Origin interface {
	Get(ctx context.Context, path string, retry fetch.RetryConfig) (*http.Response, error)
	Resolve(u *url.URL) *url.URL
}

// Claimer takes control of open clients.
type Claimer interface {
	Claim(workerID string) int
}

// Config holds generation manager configuration.
type Config struct {
	// WorkerID identifies the worker that claims clients on activation.
	WorkerID string

	// Names are the current generation's roles.
	Names Names

	// Precache lists origin paths stored in the static role on Initialize.
	Precache []string

	// Concurrency is the number of parallel precache fetches.
	Concurrency int

	// Timeout bounds each precache fetch.
	Timeout time.Duration

	// FetchRetry applies to each precache fetch.
	FetchRetry fetch.RetryConfig

	// PurgeRetry applies to each role deletion.
	PurgeRetry fetch.RetryConfig
}

// DefaultPrecache is the canonical must-have offline resource list.
func DefaultPrecache() []string {
	return []string{"/", "/index.html", "/manifest.json", "/offline.html"}
}

// Manager runs the install and activate steps of a cache generation.
type Manager struct {
	cfg     Config
	storage store.Storage
	origin  Origin
	clients Claimer
	logger  zerolog.Logger
}

// NewManager creates a generation manager.
func NewManager(cfg Config, storage store.Storage, origin Origin, clients Claimer) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FetchRetry.MaxAttempts == 0 {
		cfg.FetchRetry = fetch.RetryConfigForErrorClass(fetch.ErrorClassServer)
	}
	if cfg.PurgeRetry.MaxAttempts == 0 {
		cfg.PurgeRetry = fetch.RetryConfigForErrorClass(fetch.ErrorClassStore)
	}

	return &Manager{
		cfg:     cfg,
		storage: storage,
		origin:  origin,
		clients: clients,
		logger: log.With().
			Str("component", "generation").
			Str("static", cfg.Names.Static).
			Str("runtime", cfg.Names.Runtime).
			Logger(),
	}
}

// Names returns the current generation's roles.
func (m *Manager) Names() Names {
	return m.cfg.Names
}

// Initialize opens the static role and precaches the configured resources.
// Precache failures are logged and reported, never returned: the worker must
// stay installable when an optional resource is unavailable.
func (m *Manager) Initialize(ctx context.Context) (*PrecacheReport, error) {
	static, err := m.storage.Open(ctx, m.cfg.Names.Static)
	if err != nil {
		return nil, fmt.Errorf("open static cache: %w", err)
	}

	report := m.precache(ctx, static)
	if len(report.Failed) > 0 {
		m.logger.Warn().
			Int("stored", len(report.Stored)).
			Int("failed", len(report.Failed)).
			Msg("Precache incomplete, continuing install")
	} else {
		m.logger.Info().Int("stored", len(report.Stored)).Msg("Precache complete")
	}
	return report, nil
}

// Activate deletes every role outside the current generation, then claims
// all clients. Clients are only claimed when the purge fully succeeded.
func (m *Manager) Activate(ctx context.Context) error {
	roles, err := m.roles(ctx)
	if err != nil {
		activationsTotal.WithLabelValues("error").Inc()
		return err
	}

	var stale []string
	for _, role := range roles {
		if !m.cfg.Names.Has(role) {
			stale = append(stale, role)
		}
	}

	if err := m.deleteRoles(ctx, stale); err != nil {
		activationsTotal.WithLabelValues("error").Inc()
		m.logger.Error().Err(err).Msg("Activation purge failed")
		return err
	}

	if err := m.Restore(ctx); err != nil {
		activationsTotal.WithLabelValues("error").Inc()
		return err
	}

	claimed := m.clients.Claim(m.cfg.WorkerID)
	activationsTotal.WithLabelValues("ok").Inc()
	m.logger.Info().
		Strs("purged", stale).
		Int("clients", claimed).
		Msg("Generation activated")
	return nil
}

// PurgeAll deletes every role regardless of generation.
func (m *Manager) PurgeAll(ctx context.Context) error {
	roles, err := m.roles(ctx)
	if err != nil {
		return err
	}
	if err := m.deleteRoles(ctx, roles); err != nil {
		m.logger.Error().Err(err).Msg("Purge all failed")
		return err
	}
	m.logger.Info().Strs("purged", roles).Msg("All caches purged")
	return nil
}

// Restore opens the current generation's roles, creating the missing ones.
// Background writes never create roles, so a purge stays purged until this runs.
func (m *Manager) Restore(ctx context.Context) error {
	for _, role := range m.cfg.Names.Current() {
		if _, err := m.storage.Open(ctx, role); err != nil {
			return fmt.Errorf("open %s: %w", role, err)
		}
	}
	return nil
}

// Claim takes control of all clients without touching caches.
func (m *Manager) Claim() int {
	return m.clients.Claim(m.cfg.WorkerID)
}

func (m *Manager) roles(ctx context.Context) ([]string, error) {
	var roles []string
	err := fetch.Retry(ctx, m.cfg.PurgeRetry, func() error {
		var err error
		roles, err = m.storage.Keys(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list cache roles: %w", err)
	}
	return roles, nil
}

// deleteRoles deletes each role with retries. Every role is attempted; the
// returned error names the roles that survived.
func (m *Manager) deleteRoles(ctx context.Context, roles []string) error {
	var failed []string
	var lastErr error

	for _, role := range roles {
		err := fetch.Retry(ctx, m.cfg.PurgeRetry, func() error {
			_, err := m.storage.Delete(ctx, role)
			return err
		})
		if err != nil {
			m.logger.Error().Err(err).Str("role", role).Msg("Failed to delete cache role")
			failed = append(failed, role)
			lastErr = err
			continue
		}
		purgedRolesTotal.Inc()
		m.logger.Debug().Str("role", role).Msg("Deleted cache role")
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: roles %v remain: %w", ErrPurgeIncomplete, failed, lastErr)
	}
	return nil
}

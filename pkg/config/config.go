// Package config loads the offline worker configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/classify"
	"github.com/Sternrassler/offline-worker/pkg/generation"
	"github.com/Sternrassler/offline-worker/pkg/strategy"
	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config is the process configuration.
type Config struct {
	Addr         string `env:"OFFLINE_WORKER_ADDR"          envDefault:":8080"`
	Origin       string `env:"OFFLINE_WORKER_ORIGIN"`
	CachePrefix  string `env:"OFFLINE_WORKER_CACHE_PREFIX"  envDefault:"dva-c02-trainer"`
	CacheVersion string `env:"OFFLINE_WORKER_CACHE_VERSION" envDefault:"v1"`

	Store      string `env:"OFFLINE_WORKER_STORE"       envDefault:"memory"`
	RedisAddr  string `env:"OFFLINE_WORKER_REDIS_ADDR"  envDefault:"localhost:6379"`
	SQLitePath string `env:"OFFLINE_WORKER_SQLITE_PATH" envDefault:"offline-cache.db"`

	Precache            []string      `env:"OFFLINE_WORKER_PRECACHE"             envDefault:"/,/index.html,/manifest.json,/offline.html" envSeparator:","`
	PrecacheConcurrency int           `env:"OFFLINE_WORKER_PRECACHE_CONCURRENCY" envDefault:"4"`
	OfflinePath         string        `env:"OFFLINE_WORKER_OFFLINE_PATH"         envDefault:"/offline.html"`
	NoStoreNavigation   bool          `env:"OFFLINE_WORKER_NO_STORE_NAVIGATION"  envDefault:"false"`
	NavigationPreload   bool          `env:"OFFLINE_WORKER_NAVIGATION_PRELOAD"   envDefault:"false"`
	VaryHeaders         []string      `env:"OFFLINE_WORKER_VARY_HEADERS"         envSeparator:","`
	FetchTimeout        time.Duration `env:"OFFLINE_WORKER_FETCH_TIMEOUT"        envDefault:"30s"`

	MarkupExtensions []string `env:"OFFLINE_WORKER_MARKUP_EXTENSIONS" envDefault:".html,.htm"                          envSeparator:","`
	APISegments      []string `env:"OFFLINE_WORKER_API_SEGMENTS"      envDefault:"/api/"                              envSeparator:","`
	DataExtensions   []string `env:"OFFLINE_WORKER_DATA_EXTENSIONS"   envDefault:".json"                              envSeparator:","`
	ManifestFiles    []string `env:"OFFLINE_WORKER_MANIFEST_FILES"    envDefault:"manifest.json,manifest.webmanifest" envSeparator:","`
	BinaryExtensions []string `env:"OFFLINE_WORKER_BINARY_EXTENSIONS" envDefault:".png,.jpg,.jpeg,.gif,.webp,.svg,.ico,.avif,.woff,.woff2,.ttf,.otf,.eot" envSeparator:","`

	StrategyNavigation   string `env:"OFFLINE_WORKER_STRATEGY_NAVIGATION"`
	StrategyAPI          string `env:"OFFLINE_WORKER_STRATEGY_API"`
	StrategyStaticBinary string `env:"OFFLINE_WORKER_STRATEGY_STATIC_BINARY"`
	StrategyOther        string `env:"OFFLINE_WORKER_STRATEGY_OTHER"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Origin == "" {
		return fmt.Errorf("OFFLINE_WORKER_ORIGIN is required")
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (want memory, redis or sqlite)", c.Store)
	}
	if c.CachePrefix == "" || c.CacheVersion == "" {
		return fmt.Errorf("cache prefix and version cannot be empty")
	}
	if c.PrecacheConcurrency < 1 {
		return fmt.Errorf("precache concurrency must be at least 1, got %d", c.PrecacheConcurrency)
	}
	if _, err := c.StrategyTable(); err != nil {
		return err
	}
	return nil
}

// OriginURL parses Origin. It must be absolute.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", c.Origin)
	}
	return u, nil
}

// Names returns the cache generation of this deployment.
func (c Config) Names() generation.Names {
	return generation.NamesFor(c.CachePrefix, c.CacheVersion)
}

// Rules returns the classification lists with blank items dropped.
func (c Config) Rules() classify.Rules {
	return classify.Rules{
		MarkupExtensions: cleanList(c.MarkupExtensions),
		APISegments:      cleanList(c.APISegments),
		DataExtensions:   cleanList(c.DataExtensions),
		ManifestFiles:    cleanList(c.ManifestFiles),
		BinaryExtensions: cleanList(c.BinaryExtensions),
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// StrategyTable returns the default table with the configured overrides applied.
func (c Config) StrategyTable() (strategy.Table, error) {
	table := strategy.DefaultTable()
	overrides := map[classify.TrafficClass]string{
		classify.Navigation:   c.StrategyNavigation,
		classify.API:          c.StrategyAPI,
		classify.StaticBinary: c.StrategyStaticBinary,
		classify.Other:        c.StrategyOther,
	}
	for class, raw := range overrides {
		if raw == "" {
			continue
		}
		name, err := strategy.ParseName(raw)
		if err != nil {
			return nil, fmt.Errorf("strategy for %s: %w", class, err)
		}
		table[class] = name
	}
	return table, nil
}

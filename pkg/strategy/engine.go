package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/classify"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/generation"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_requests_total",
		Help: "Intercepted requests by traffic class, strategy and outcome",
	}, []string{"class", "strategy", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_request_duration_seconds",
		Help:    "Time to serve an intercepted request by traffic class",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"class"})

	fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fallbacks_total",
		Help: "Offline substitutes served by kind",
	}, []string{"kind"})
)

// Response headers set on every served response.
const (
	HeaderStrategy = "X-Cache-Strategy"
	HeaderCache    = "X-Cache"
)

// CacheStatus tells where a response came from.
type CacheStatus string

const (
	// StatusHit is a response served from the store.
	StatusHit CacheStatus = "hit"

	// StatusMiss is a network response for a request the store could have served.
	StatusMiss CacheStatus = "miss"

	// StatusBypass is a network response that never consulted the store.
	StatusBypass CacheStatus = "bypass"

	// StatusFallback is an offline substitute served after a network failure.
	StatusFallback CacheStatus = "fallback"
)

// Origin fetches requests and maps their URLs onto the origin.
// *fetch.Client satisfies it.
type Origin interface {
	fetch.Fetcher
	store.Resolver
}

// Request is one intercepted request on its way through a strategy.
type Request struct {
	HTTP    *http.Request
	Class   classify.TrafficClass
	Key     store.RequestKey
	Preload *Preload
}

// Result is a served response with its routing decision.
type Result struct {
	Response *http.Response
	Class    classify.TrafficClass
	Strategy Name
	Status   CacheStatus
}

// Config holds engine configuration.
type Config struct {
	// Names are the roles lookups and writes go to.
	Names generation.Names

	// Rules drive request classification.
	Rules classify.Rules

	// Table maps traffic classes to strategies. Missing classes use DefaultTable.
	Table Table

	// OfflinePath is the precached document served when a navigation fails.
	OfflinePath string

	// NoStoreNavigation layers Cache-Control: no-store onto navigation responses.
	NoStoreNavigation bool

	// VaryHeaders are request headers that take part in cache keys.
	VaryHeaders []string

	// WriteTimeout bounds each background cache write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default engine configuration for names.
func DefaultConfig(names generation.Names) Config {
	return Config{
		Names:        names,
		Rules:        classify.DefaultRules(),
		Table:        DefaultTable(),
		OfflinePath:  "/offline.html",
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Engine routes intercepted requests to strategies.
type Engine struct {
	cfg        Config
	storage    store.Storage
	origin     Origin
	writer     *Writer
	strategies map[classify.TrafficClass]Strategy
	offlineKey store.RequestKey
	logger     zerolog.Logger
}

// New creates an engine. It fails on unknown strategy names in the table.
func New(cfg Config, storage store.Storage, origin Origin) (*Engine, error) {
	if cfg.OfflinePath == "" {
		cfg.OfflinePath = "/offline.html"
	}

	table := DefaultTable()
	for class, name := range cfg.Table {
		table[class] = name
	}
	cfg.Table = table

	strategies := make(map[classify.TrafficClass]Strategy, len(table))
	for class, name := range table {
		s, err := Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", class, err)
		}
		strategies[class] = s
	}

	offlineKey, err := store.PathKey(origin, cfg.OfflinePath)
	if err != nil {
		return nil, fmt.Errorf("offline document: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		storage:    storage,
		origin:     origin,
		writer:     NewWriter(storage, cfg.WriteTimeout),
		strategies: strategies,
		offlineKey: offlineKey,
		logger:     log.With().Str("component", "strategy").Logger(),
	}, nil
}

// Writer returns the engine's background writer.
func (e *Engine) Writer() *Writer {
	return e.writer
}

// Table returns the effective strategy table.
func (e *Engine) Table() Table {
	out := make(Table, len(e.cfg.Table))
	for k, v := range e.cfg.Table {
		out[k] = v
	}
	return out
}

// UsesPreload reports whether req is a document load served by the
// navigation strategy, the only one that reads a preload.
func (e *Engine) UsesPreload(req *http.Request) bool {
	if req.Method != http.MethodGet || !classify.IsNavigation(req, e.cfg.Rules) {
		return false
	}
	return e.strategies[classify.Navigation].Name() == NameNavigation
}

// Key derives the cache key of req once resolved onto the origin.
func (e *Engine) Key(req *http.Request) store.RequestKey {
	shadow := *req
	shadow.URL = e.origin.Resolve(req.URL)
	if len(e.cfg.VaryHeaders) > 0 {
		return store.NewRequestKeyVary(&shadow, e.cfg.VaryHeaders...)
	}
	return store.NewRequestKey(&shadow)
}

// Handle serves req. preload may be nil.
//
// A returned error is a failure the requester must see: an api or static
// request that failed on the network, or the request's own cancellation.
func (e *Engine) Handle(ctx context.Context, req *http.Request, preload *Preload) (*Result, error) {
	start := time.Now()
	class := classify.Classify(req, e.cfg.Rules)

	s := e.strategies[class]
	if req.Method != http.MethodGet {
		s = networkOnly{}
	}
	if preload != nil && s.Name() != NameNavigation {
		preload.Discard()
		preload = nil
	}

	r := &Request{
		HTTP:    req,
		Class:   class,
		Key:     e.Key(req),
		Preload: preload,
	}

	resp, status, err := s.Serve(ctx, e, r)
	requestDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(string(class), string(s.Name()), "error").Inc()
		e.logger.Debug().
			Err(err).
			Str("class", string(class)).
			Str("strategy", string(s.Name())).
			Str("url", r.Key.URL).
			Msg("Request failed")
		return nil, err
	}
	requestsTotal.WithLabelValues(string(class), string(s.Name()), string(status)).Inc()

	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(HeaderStrategy, string(s.Name()))
	resp.Header.Set(HeaderCache, string(status))

	e.logger.Debug().
		Str("method", req.Method).
		Str("url", r.Key.URL).
		Str("class", string(class)).
		Str("strategy", string(s.Name())).
		Str("cache", string(status)).
		Int("status_code", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request served")

	return &Result{
		Response: resp,
		Class:    class,
		Strategy: s.Name(),
		Status:   status,
	}, nil
}

// fetch sends r to the origin. noCache forces revalidation along the way.
func (e *Engine) fetch(ctx context.Context, r *Request, noCache bool) (*http.Response, error) {
	return e.origin.Fetch(ctx, r.HTTP, fetch.Options{NoCache: noCache})
}

// lookup searches the static role, then the runtime role.
// Store failures are logged and read as a miss.
func (e *Engine) lookup(ctx context.Context, key store.RequestKey) (*store.Entry, bool) {
	entry, err := e.storage.Match(ctx, key, e.cfg.Names.Current()...)
	if err == nil {
		e.logger.Debug().Str("key", key.String()).Dur("age", entry.Age()).Msg("Cache hit")
		return entry, true
	}
	if !isMiss(err) {
		e.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache lookup failed")
	}
	return nil, false
}

// storeRuntime schedules a copy of resp for the runtime role when it is a 200.
// resp keeps a readable body.
func (e *Engine) storeRuntime(r *Request, resp *http.Response) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	entry, err := store.ResponseToEntry(resp)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", r.Key.String()).Msg("Failed to copy response for cache")
		return
	}
	e.writer.Put(e.cfg.Names.Runtime, r.Key, entry)
}

// offlineFallback serves the precached offline document, or a synthesized page
// when it was never stored.
func (e *Engine) offlineFallback(ctx context.Context, req *http.Request) *http.Response {
	entry, err := e.storage.Match(ctx, e.offlineKey, e.cfg.Names.Static)
	if err == nil {
		fallbacksTotal.WithLabelValues("offline_document").Inc()
		return entry.Response(req)
	}
	if !isMiss(err) {
		e.logger.Warn().Err(err).Msg("Offline document lookup failed")
	}
	fallbacksTotal.WithLabelValues("synthesized").Inc()
	return offlineResponse(req)
}

func isMiss(err error) bool {
	return errors.Is(err, store.ErrCacheMiss)
}

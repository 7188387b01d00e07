package strategy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Sternrassler/offline-worker/pkg/classify"
	"github.com/Sternrassler/offline-worker/pkg/store"
)

// Name identifies a strategy in the table and in configuration.
type Name string

const (
	NameNavigation           Name = "navigation"
	NameNetworkOnly          Name = "network-only"
	NameCacheFirst           Name = "cache-first"
	NameNetworkFirst         Name = "network-first"
	NameStaleWhileRevalidate Name = "stale-while-revalidate"
)

// Names lists every strategy name.
var Names = []Name{NameNavigation, NameNetworkOnly, NameCacheFirst, NameNetworkFirst, NameStaleWhileRevalidate}

// ParseName returns the strategy named s.
func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if string(n) == strings.ToLower(strings.TrimSpace(s)) {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Table maps traffic classes to strategies.
type Table map[classify.TrafficClass]Name

// DefaultTable returns the built-in routing.
func DefaultTable() Table {
	return Table{
		classify.Navigation:   NameNavigation,
		classify.API:          NameNetworkOnly,
		classify.StaticBinary: NameCacheFirst,
		classify.Other:        NameNetworkFirst,
	}
}

// Strategy serves one request.
type Strategy interface {
	Name() Name
	Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error)
}

// Lookup returns the strategy for name.
func Lookup(name Name) (Strategy, error) {
	switch name {
	case NameNavigation:
		return navigation{}, nil
	case NameNetworkOnly:
		return networkOnly{}, nil
	case NameCacheFirst:
		return cacheFirst{}, nil
	case NameNetworkFirst:
		return networkFirst{}, nil
	case NameStaleWhileRevalidate:
		return staleWhileRevalidate{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// navigation fetches documents fresh and never fails: on a network failure
// it serves the offline document.
type navigation struct{}

func (navigation) Name() Name { return NameNavigation }

func (navigation) Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error) {
	var resp *http.Response
	var err error
	if r.Preload != nil {
		resp, err = r.Preload.Wait(ctx)
	} else {
		resp, err = e.fetch(ctx, r, true)
	}

	if err == nil {
		if e.cfg.NoStoreNavigation {
			resp.Header.Set("Cache-Control", "no-store")
		}
		return resp, StatusBypass, nil
	}

	// An abandoned request has nobody to show a fallback to
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	e.logger.Warn().Err(err).Str("url", r.Key.URL).Msg("Navigation failed, serving offline document")
	return e.offlineFallback(ctx, r.HTTP), StatusFallback, nil
}

// networkOnly never reads or writes the store.
type networkOnly struct{}

func (networkOnly) Name() Name { return NameNetworkOnly }

func (networkOnly) Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error) {
	resp, err := e.fetch(ctx, r, true)
	if err != nil {
		return nil, "", err
	}
	return resp, StatusBypass, nil
}

// cacheFirst serves stored copies and writes fresh 200 responses to the runtime role.
type cacheFirst struct{}

func (cacheFirst) Name() Name { return NameCacheFirst }

func (cacheFirst) Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error) {
	if entry, ok := e.lookup(ctx, r.Key); ok {
		return entry.Response(r.HTTP), StatusHit, nil
	}

	resp, err := e.fetch(ctx, r, false)
	if err != nil {
		return nil, "", err
	}
	e.storeRuntime(r, resp)
	return resp, StatusMiss, nil
}

// networkFirst falls back to a stored copy when the network fails. It never writes.
type networkFirst struct{}

func (networkFirst) Name() Name { return NameNetworkFirst }

func (networkFirst) Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error) {
	resp, err := e.fetch(ctx, r, false)
	if err == nil {
		return resp, StatusMiss, nil
	}
	if ctx.Err() != nil {
		return nil, "", ctx.Err()
	}

	if entry, ok := e.lookup(ctx, r.Key); ok {
		fallbacksTotal.WithLabelValues("cache").Inc()
		e.logger.Warn().Err(err).Str("url", r.Key.URL).Msg("Network failed, serving cached copy")
		return entry.Response(r.HTTP), StatusFallback, nil
	}
	return nil, "", err
}

// staleWhileRevalidate serves stored copies immediately and refreshes them
// in the background.
type staleWhileRevalidate struct{}

func (staleWhileRevalidate) Name() Name { return NameStaleWhileRevalidate }

func (staleWhileRevalidate) Serve(ctx context.Context, e *Engine, r *Request) (*http.Response, CacheStatus, error) {
	entry, ok := e.lookup(ctx, r.Key)
	if !ok {
		resp, err := e.fetch(ctx, r, false)
		if err != nil {
			return nil, "", err
		}
		e.storeRuntime(r, resp)
		return resp, StatusMiss, nil
	}

	req := r.HTTP
	key := r.Key
	runtime := e.cfg.Names.Runtime
	e.writer.Go("revalidate", func(ctx context.Context) error {
		resp, err := e.origin.Fetch(ctx, req, fetchOptionsRevalidate)
		if err != nil {
			return fmt.Errorf("revalidate %s: %w", key.URL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil
		}
		fresh, err := store.ResponseToEntry(resp)
		if err != nil {
			return err
		}
		c, err := e.storage.OpenExisting(ctx, runtime)
		if err != nil {
			return err
		}
		return c.Put(ctx, key, fresh)
	})

	return entry.Response(r.HTTP), StatusHit, nil
}

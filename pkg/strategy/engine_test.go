package strategy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/offline-worker/internal/testutil"
	"github.com/Sternrassler/offline-worker/pkg/classify"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/generation"
	"github.com/Sternrassler/offline-worker/pkg/store"
)

var testNames = generation.NamesFor("dva-c02-trainer", "v1")

// countingStorage records every store access.
type countingStorage struct {
	store.Storage
	calls atomic.Int64
}

func (s *countingStorage) Open(ctx context.Context, role string) (store.Cache, error) {
	s.calls.Add(1)
	return s.Storage.Open(ctx, role)
}

func (s *countingStorage) OpenExisting(ctx context.Context, role string) (store.Cache, error) {
	s.calls.Add(1)
	return s.Storage.OpenExisting(ctx, role)
}

func (s *countingStorage) Has(ctx context.Context, role string) (bool, error) {
	s.calls.Add(1)
	return s.Storage.Has(ctx, role)
}

func (s *countingStorage) Match(ctx context.Context, key store.RequestKey, roles ...string) (*store.Entry, error) {
	s.calls.Add(1)
	return s.Storage.Match(ctx, key, roles...)
}

type testEnv struct {
	engine  *Engine
	origin  *testutil.MockOrigin
	client  *fetch.Client
	storage *countingStorage
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	origin := testutil.NewTrainerOrigin()
	t.Cleanup(origin.Close)

	client, err := fetch.New(fetch.DefaultConfig(origin.ParsedURL()))
	if err != nil {
		t.Fatalf("fetch.New() error = %v", err)
	}

	memory := store.NewMemoryStorage()
	for _, role := range []string{testNames.Static, testNames.Runtime} {
		if _, err := memory.Open(context.Background(), role); err != nil {
			t.Fatalf("Open(%s) error = %v", role, err)
		}
	}
	storage := &countingStorage{Storage: memory}
	cfg := DefaultConfig(testNames)
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New(cfg, storage, client)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(engine.Writer().Wait)

	return &testEnv{engine: engine, origin: origin, client: client, storage: storage}
}

func (env *testEnv) key(t *testing.T, path string) store.RequestKey {
	t.Helper()
	key, err := store.PathKey(env.client, path)
	if err != nil {
		t.Fatalf("PathKey(%s) error = %v", path, err)
	}
	return key
}

func (env *testEnv) seed(t *testing.T, role, path string, body string) {
	t.Helper()
	ctx := context.Background()
	c, err := env.storage.Storage.Open(ctx, role)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", role, err)
	}
	entry := store.NewEntry(http.StatusOK, http.Header{"Content-Type": []string{"text/html"}}, []byte(body))
	if err := c.Put(ctx, env.key(t, path), entry); err != nil {
		t.Fatalf("Put error = %v", err)
	}
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, "http://trainer.local"+path, nil)
}

func navigate(path string) *http.Request {
	req := newRequest(http.MethodGet, path)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func TestEngine_APINeverTouchesStore(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/api/questions"), nil)
		if err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
		readBody(t, res.Response)

		if res.Class != classify.API || res.Strategy != NameNetworkOnly {
			t.Errorf("routed to %s/%s", res.Class, res.Strategy)
		}
		if got := res.Response.Header.Get(HeaderCache); got != "bypass" {
			t.Errorf("X-Cache = %q, want bypass", got)
		}
	}
	env.engine.Writer().Wait()

	if got := env.origin.GetPathCount("/api/questions"); got != 2 {
		t.Errorf("origin hit %d times, want 2", got)
	}
	if got := env.origin.GetNoCacheCount(); got != 2 {
		t.Errorf("no-cache requests = %d, want 2", got)
	}
	if got := env.storage.calls.Load(); got != 0 {
		t.Errorf("store accessed %d times for api traffic", got)
	}
}

func TestEngine_APIFailurePropagates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.SetOffline(true)

	_, err := env.engine.Handle(context.Background(), newRequest(http.MethodGet, "/api/questions"), nil)
	if !fetch.IsNetworkError(err) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestEngine_CacheFirstIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/icons/icon-192.png"), nil)
	if err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	firstBody := readBody(t, first.Response)
	if first.Status != StatusMiss {
		t.Errorf("first status = %s, want miss", first.Status)
	}
	env.engine.Writer().Wait()

	second, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/icons/icon-192.png"), nil)
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	secondBody := readBody(t, second.Response)

	if second.Status != StatusHit {
		t.Errorf("second status = %s, want hit", second.Status)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Errorf("bodies differ: %q vs %q", firstBody, secondBody)
	}
	if got := env.origin.GetPathCount("/icons/icon-192.png"); got != 1 {
		t.Errorf("origin hit %d times, want 1", got)
	}
}

func TestEngine_CacheFirstSkipsNonOK(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/icons/missing.png"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	readBody(t, res.Response)
	if res.Response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", res.Response.StatusCode)
	}
	env.engine.Writer().Wait()

	if _, err := env.storage.Storage.Match(ctx, env.key(t, "/icons/missing.png"), testNames.Runtime); !errors.Is(err, store.ErrCacheMiss) {
		t.Errorf("404 response was cached: %v", err)
	}
}

func TestEngine_CacheFirstDeletedRole(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.storage.Storage.Delete(ctx, testNames.Runtime)

	res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/icons/icon-192.png"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.Response.StatusCode)
	}
	readBody(t, res.Response)
	env.engine.Writer().Wait()

	if ok, _ := env.storage.Storage.Has(ctx, testNames.Runtime); ok {
		t.Error("background write recreated a deleted runtime role")
	}
}

func TestEngine_CacheFirstOfflineMiss(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.SetOffline(true)

	_, err := env.engine.Handle(context.Background(), newRequest(http.MethodGet, "/icons/icon-192.png"), nil)
	if !fetch.IsNetworkError(err) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestEngine_ConcurrentStaticFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/icons/icon-192.png"), nil)
			if err != nil {
				t.Errorf("Handle() error = %v", err)
				return
			}
			io.Copy(io.Discard, res.Response.Body)
			res.Response.Body.Close()
		}()
	}
	wg.Wait()
	env.engine.Writer().Wait()

	runtime, err := env.storage.Storage.Open(ctx, testNames.Runtime)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	keys, err := runtime.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys error = %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("runtime holds %d entries, want 1", len(keys))
	}
	if n := env.origin.GetPathCount("/icons/icon-192.png"); n < 1 || n > 2 {
		t.Errorf("origin hit %d times", n)
	}
}

func TestEngine_NavigationOnline(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.engine.Handle(context.Background(), navigate("/"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, res.Response)

	if string(body) != "<html><body>trainer</body></html>" {
		t.Errorf("body = %q", body)
	}
	if res.Response.Header.Get("Cache-Control") == "no-store" {
		t.Error("no-store layered without NoStoreNavigation")
	}
	if env.origin.GetNoCacheCount() != 1 {
		t.Error("navigation must force revalidation")
	}
}

func TestEngine_NavigationNoStore(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.NoStoreNavigation = true })

	res, err := env.engine.Handle(context.Background(), navigate("/index.html"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	readBody(t, res.Response)
	if got := res.Response.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestEngine_NavigationOfflineDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	precached := "<html><body>precached offline page</body></html>"
	env.seed(t, testNames.Static, "/offline.html", precached)
	env.origin.SetOffline(true)

	for _, path := range []string{"/", "/quiz/42", "/index.html"} {
		res, err := env.engine.Handle(context.Background(), navigate(path), nil)
		if err != nil {
			t.Fatalf("%s: Handle() error = %v", path, err)
		}
		body := readBody(t, res.Response)

		if string(body) != precached {
			t.Errorf("%s: body = %q, want precached document", path, body)
		}
		if res.Status != StatusFallback {
			t.Errorf("%s: status = %s, want fallback", path, res.Status)
		}
	}
}

func TestEngine_NavigationSynthesizedOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.SetOffline(true)

	res, err := env.engine.Handle(context.Background(), navigate("/"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	body := readBody(t, res.Response)

	if res.Response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", res.Response.StatusCode)
	}
	if res.Response.Header.Get(HeaderOfflineFallback) != "synthesized" {
		t.Error("missing synthesized marker")
	}
	if !bytes.Equal(body, OfflineDocument()) {
		t.Errorf("body = %q", body)
	}
}

func TestEngine_NavigationPreferPreload(t *testing.T) {
	env := newTestEnv(t, nil)

	preloaded := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(bytes.NewReader([]byte("preloaded"))),
	}

	res, err := env.engine.Handle(context.Background(), navigate("/"), CompletedPreload(preloaded, nil))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if body := readBody(t, res.Response); string(body) != "preloaded" {
		t.Errorf("body = %q, want preloaded", body)
	}
	if got := env.origin.GetRequestCount(); got != 0 {
		t.Errorf("origin hit %d times despite preload", got)
	}
}

func TestEngine_NavigationFailedPreload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t, testNames.Static, "/offline.html", "offline")

	res, err := env.engine.Handle(context.Background(), navigate("/"), CompletedPreload(nil, fetch.ErrOffline))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if body := readBody(t, res.Response); string(body) != "offline" {
		t.Errorf("body = %q", body)
	}
	if env.origin.GetRequestCount() != 0 {
		t.Error("failed preload must not trigger a second fetch")
	}
}

func TestEngine_NetworkFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.seed(t, testNames.Static, "/app.js", "console.log('cached');")

	res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/app.js"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if body := readBody(t, res.Response); string(body) != "console.log('app');" {
		t.Errorf("online body = %q", body)
	}
	env.engine.Writer().Wait()
	if _, err := env.storage.Storage.Match(ctx, env.key(t, "/app.js"), testNames.Runtime); !errors.Is(err, store.ErrCacheMiss) {
		t.Error("network-first wrote to the runtime role")
	}

	env.origin.SetOffline(true)
	res, err = env.engine.Handle(ctx, newRequest(http.MethodGet, "/app.js"), nil)
	if err != nil {
		t.Fatalf("offline Handle() error = %v", err)
	}
	if body := readBody(t, res.Response); string(body) != "console.log('cached');" {
		t.Errorf("offline body = %q", body)
	}
	if res.Status != StatusFallback {
		t.Errorf("status = %s, want fallback", res.Status)
	}

	if _, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/styles.css"), nil); !fetch.IsNetworkError(err) {
		t.Errorf("uncached offline request: expected network error, got %v", err)
	}
}

func TestEngine_StaleWhileRevalidate(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Table = Table{classify.Other: NameStaleWhileRevalidate}
	})
	ctx := context.Background()
	env.seed(t, testNames.Runtime, "/app.js", "stale")

	res, err := env.engine.Handle(ctx, newRequest(http.MethodGet, "/app.js"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if body := readBody(t, res.Response); string(body) != "stale" {
		t.Errorf("body = %q, want stale copy", body)
	}
	if res.Status != StatusHit || res.Strategy != NameStaleWhileRevalidate {
		t.Errorf("result = %s/%s", res.Strategy, res.Status)
	}

	env.engine.Writer().Wait()
	entry, err := env.storage.Storage.Match(ctx, env.key(t, "/app.js"), testNames.Runtime)
	if err != nil {
		t.Fatalf("Match error = %v", err)
	}
	if string(entry.Body) != "console.log('app');" {
		t.Errorf("revalidated body = %q", entry.Body)
	}
}

func TestEngine_NonGETIsNetworkOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.SetResponse("/icons/upload.png", testutil.NewJSONResponse(`{"ok":true}`))

	res, err := env.engine.Handle(context.Background(), newRequest(http.MethodPost, "/icons/upload.png"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	readBody(t, res.Response)
	env.engine.Writer().Wait()

	if res.Strategy != NameNetworkOnly {
		t.Errorf("strategy = %s, want network-only", res.Strategy)
	}
	if got := env.storage.calls.Load(); got != 0 {
		t.Errorf("store accessed %d times", got)
	}
}

func TestEngine_Headers(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.engine.Handle(context.Background(), newRequest(http.MethodGet, "/app.js"), nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	readBody(t, res.Response)

	if got := res.Response.Header.Get(HeaderStrategy); got != "network-first" {
		t.Errorf("%s = %q", HeaderStrategy, got)
	}
	if got := res.Response.Header.Get(HeaderCache); got != "miss" {
		t.Errorf("%s = %q", HeaderCache, got)
	}
}

func TestEngine_CancelledNavigation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.SetOffline(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.engine.Handle(ctx, navigate("/"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNew_UnknownStrategy(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	client, _ := fetch.New(fetch.DefaultConfig(origin.ParsedURL()))

	cfg := DefaultConfig(testNames)
	cfg.Table = Table{classify.API: Name("cache-forever")}
	if _, err := New(cfg, store.NewMemoryStorage(), client); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in      string
		want    Name
		wantErr bool
	}{
		{"cache-first", NameCacheFirst, false},
		{"Network-Only", NameNetworkOnly, false},
		{" stale-while-revalidate ", NameStaleWhileRevalidate, false},
		{"navigation", NameNavigation, false},
		{"cache-only", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origin, _ := url.Parse(srv.URL)
	c, err := New(DefaultConfig(origin))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, srv
}

func TestNew_RequiresAbsoluteOrigin(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing origin")
	}
	rel, _ := url.Parse("/relative")
	if _, err := New(Config{Origin: rel}); err == nil {
		t.Error("expected error for relative origin")
	}
}

func TestClient_Resolve(t *testing.T) {
	origin, _ := url.Parse("https://trainer.example/app/")
	c, _ := New(DefaultConfig(origin))

	in, _ := url.Parse("/icons/a.png?v=1#top")
	got := c.Resolve(in).String()
	if got != "https://trainer.example/app/icons/a.png?v=1" {
		t.Errorf("Resolve() = %q", got)
	}
}

func TestClient_Fetch_NoCacheHeaders(t *testing.T) {
	var gotCacheControl, gotPragma, gotINM string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCacheControl = r.Header.Get("Cache-Control")
		gotPragma = r.Header.Get("Pragma")
		gotINM = r.Header.Get("If-None-Match")
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest("GET", "/api/progress", nil)
	req.Header.Set("If-None-Match", `"stale"`)
	resp, err := c.Fetch(context.Background(), req, Options{NoCache: true})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()

	if gotCacheControl != "no-cache" || gotPragma != "no-cache" {
		t.Errorf("Cache-Control = %q, Pragma = %q", gotCacheControl, gotPragma)
	}
	if gotINM != "" {
		t.Errorf("If-None-Match forwarded: %q", gotINM)
	}
}

func TestClient_Fetch_StatusIsNotError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	resp, err := c.Fetch(context.Background(), httptest.NewRequest("GET", "/x", nil), Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
}

func TestClient_Fetch_NetworkError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.Fetch(context.Background(), httptest.NewRequest("GET", "/x", nil), Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNetworkError(err) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestClient_Fetch_ForwardsBodyAndDropsHopHeaders(t *testing.T) {
	var body, conn string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		conn = r.Header.Get("Upgrade")
	})

	req := httptest.NewRequest("POST", "/api/answers", strings.NewReader(`{"q":1}`))
	req.Header.Set("Upgrade", "websocket")
	resp, err := c.Fetch(context.Background(), req, Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	resp.Body.Close()

	if body != `{"q":1}` {
		t.Errorf("body = %q", body)
	}
	if conn != "" {
		t.Errorf("hop header forwarded: %q", conn)
	}
}

func TestClient_Get_RetriesServerErrors(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("precached"))
	})

	resp, err := c.Get(context.Background(), "/index.html", fastRetry(3))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if string(b) != "precached" {
		t.Errorf("body = %q", b)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClient_Get_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Get(context.Background(), "/missing.html", fastRetry(3))
	if ClassOf(err) != ErrorClassClient {
		t.Errorf("expected client error, got %v", err)
	}
}

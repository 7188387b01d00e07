// Package testutil provides testing utilities for the offline worker.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock origin path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable mock origin server for testing.
type MockOrigin struct {
	server    *httptest.Server
	mu        sync.RWMutex
	responses map[string]MockResponse
	counts    map[string]int
	offline   bool

	// Tracking
	RequestCount      int
	NoCacheCount      int
	LastRequestHeader http.Header
}

// NewMockOrigin creates a mock origin with no configured paths.
// Unknown paths answer 404.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		responses: make(map[string]MockResponse),
		counts:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// NewTrainerOrigin creates a mock origin serving a small exam trainer app.
func NewTrainerOrigin() *MockOrigin {
	m := NewMockOrigin()
	m.SetResponse("/", NewHTMLResponse("<html><body>trainer</body></html>"))
	m.SetResponse("/index.html", NewHTMLResponse("<html><body>trainer</body></html>"))
	m.SetResponse("/offline.html", NewHTMLResponse("<html><body>offline copy</body></html>"))
	m.SetResponse("/manifest.json", MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"name":"DVA-C02 Trainer"}`,
		Headers:    map[string]string{"Content-Type": "application/manifest+json"},
	})
	m.SetResponse("/app.js", MockResponse{
		StatusCode: http.StatusOK,
		Body:       "console.log('app');",
		Headers:    map[string]string{"Content-Type": "text/javascript"},
	})
	m.SetResponse("/icons/icon-192.png", MockResponse{
		StatusCode: http.StatusOK,
		Body:       "\x89PNG-fake",
		Headers:    map[string]string{"Content-Type": "image/png"},
	})
	m.SetResponse("/api/questions", NewJSONResponse(`[{"id":1,"q":"What is Lambda?"}]`))
	return m
}

func (m *MockOrigin) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.counts[r.URL.Path]++
	m.LastRequestHeader = r.Header.Clone()
	if r.Header.Get("Cache-Control") == "no-cache" {
		m.NoCacheCount++
	}
	offline := m.offline
	resp, exists := m.responses[r.URL.Path]
	m.mu.Unlock()

	if offline {
		// Drop the connection so the client sees a transport error
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if !exists {
		http.NotFound(w, r)
		return
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// ParsedURL returns the mock server URL as *url.URL.
func (m *MockOrigin) ParsedURL() *url.URL {
	u, _ := url.Parse(m.server.URL)
	return u
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.NoCacheCount = 0
	m.LastRequestHeader = nil
	m.counts = make(map[string]int)
}

// SetResponse configures the response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = resp
}

// RemoveResponse makes path answer 404.
func (m *MockOrigin) RemoveResponse(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.responses, path)
}

// SetOffline toggles dropping every connection.
func (m *MockOrigin) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockOrigin) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made for path.
func (m *MockOrigin) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[path]
}

// GetNoCacheCount returns the number of requests that forced revalidation.
func (m *MockOrigin) GetNoCacheCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.NoCacheCount
}

// NewHTMLResponse creates a 200 OK HTML response.
func NewHTMLResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// Package fetch performs network requests against the origin on behalf of
// intercepted clients, with error classification and retry helpers.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for origin fetches.
var (
	originRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_origin_requests_total",
		Help: "Total origin requests by status",
	}, []string{"status"})

	originRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_origin_request_duration_seconds",
		Help:    "Origin request duration in seconds by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	originErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_origin_errors_total",
		Help: "Total origin errors by class",
	}, []string{"class"})
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options tune a single fetch.
type Options struct {
	// NoCache forces revalidation by every HTTP cache between us and the origin.
	NoCache bool
}

// Fetcher performs network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, opts Options) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request, opts Options) (*http.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	return f(ctx, req, opts)
}

// Config holds the client configuration.
type Config struct {
	// Origin is the base URL that intercepted requests are resolved against.
	Origin *url.URL

	// Timeout bounds each origin request.
	Timeout time.Duration

	// Transport overrides the HTTP transport (for testing).
	Transport http.RoundTripper
}

// DefaultConfig returns a default configuration for origin.
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:  origin,
		Timeout: 30 * time.Second,
	}
}

// Client fetches intercepted requests from the origin.
type Client struct {
	httpClient *http.Client
	origin     *url.URL
	logger     zerolog.Logger
}

// New creates a new origin client.
func New(cfg Config) (*Client, error) {
	if cfg.Origin == nil || cfg.Origin.Scheme == "" || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
			// redirects are passed through to the page untouched
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin: cfg.Origin,
		logger: log.With().Str("component", "fetch").Logger(),
	}, nil
}

// Origin returns the origin base URL.
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Resolve maps an intercepted request URL onto the origin.
func (c *Client) Resolve(u *url.URL) *url.URL {
	target := *c.origin
	target.Path = singleJoiningSlash(c.origin.Path, u.Path)
	target.RawPath = ""
	target.RawQuery = u.RawQuery
	target.Fragment = ""
	return &target
}

// Fetch sends req to the origin. Only transport failures are returned as
// errors; any HTTP status is a response.
func (c *Client) Fetch(ctx context.Context, req *http.Request, opts Options) (*http.Response, error) {
	target := c.Resolve(req.URL)

	startTime := time.Now()
	defer func() {
		originRequestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	out.ContentLength = req.ContentLength
	copyHeader(out.Header, req.Header)
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Host = c.origin.Host

	if opts.NoCache {
		out.Header.Set("Cache-Control", "no-cache")
		out.Header.Set("Pragma", "no-cache")
		out.Header.Del("If-None-Match")
		out.Header.Del("If-Modified-Since")
	}

	c.logger.Debug().
		Str("method", out.Method).
		Str("url", target.String()).
		Bool("no_cache", opts.NoCache).
		Msg("Fetching from origin")

	resp, err := c.httpClient.Do(out)
	if err != nil {
		originErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		originRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &FetchError{
			ErrorClass: ErrorClassNetwork,
			URL:        target.String(),
			Message:    "origin request failed",
			Err:        fmt.Errorf("%w: %v", ErrOffline, err),
		}
	}

	originRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if class := ClassifyStatus(resp.StatusCode); class != "" {
		originErrorsTotal.WithLabelValues(string(class)).Inc()
	}

	return resp, nil
}

// Get fetches path from the origin, retrying transient failures.
// 5xx responses count as failures here so they are retried; the last
// failure is returned as a FetchError.
func (c *Client) Get(ctx context.Context, path string, retry RetryConfig) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var resp *http.Response
	err = Retry(ctx, retry, func() error {
		r, err := c.Fetch(ctx, req, Options{NoCache: true})
		if err != nil {
			return err
		}
		if class := ClassifyStatus(r.StatusCode); class != "" {
			r.Body.Close()
			return &FetchError{
				StatusCode: r.StatusCode,
				ErrorClass: class,
				URL:        c.Resolve(req.URL).String(),
				Message:    r.Status,
			}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

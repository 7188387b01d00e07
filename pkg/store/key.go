package store

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// RequestKey identifies a stored response within a role.
type RequestKey struct {
	// Method is the HTTP method (e.g., "GET")
	Method string

	// URL is the absolute request URL without fragment
	URL string

	// Vary holds content negotiation headers that take part in the key
	Vary map[string]string
}

// NewRequestKey derives a key from method and absolute URL.
func NewRequestKey(req *http.Request) RequestKey {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return RequestKey{
		Method: strings.ToUpper(method),
		URL:    u.String(),
	}
}

// NewRequestKeyVary derives a key that also includes the given request headers.
// Headers absent from the request are left out.
func NewRequestKeyVary(req *http.Request, headers ...string) RequestKey {
	key := NewRequestKey(req)
	for _, name := range headers {
		value := req.Header.Get(name)
		if value == "" {
			continue
		}
		if key.Vary == nil {
			key.Vary = make(map[string]string, len(headers))
		}
		key.Vary[http.CanonicalHeaderKey(name)] = value
	}
	return key
}

// Separators inside the URL and vary pairs are percent-escaped so that
// ParseRequestKey can split on them. '%' itself is escaped first.
var (
	urlEscaper    = strings.NewReplacer("%", "%25", "|", "%7C")
	urlUnescaper  = strings.NewReplacer("%25", "%", "%7C", "|")
	pairEscaper   = strings.NewReplacer("%", "%25", "|", "%7C", "=", "%3D")
	pairUnescaper = strings.NewReplacer("%25", "%", "%7C", "|", "%3D", "=")
)

// String generates a deterministic key string.
// Format: METHOD url[|Header=value...]
//
// Example:
//
//	GET https://trainer.example/icons/logo.png|Accept=image/webp
func (k RequestKey) String() string {
	method := k.Method
	if method == "" {
		method = http.MethodGet
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString(" ")
	b.WriteString(urlEscaper.Replace(k.URL))

	// Add vary headers (sorted for determinism)
	if len(k.Vary) > 0 {
		names := make([]string, 0, len(k.Vary))
		for name := range k.Vary {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fmt.Fprintf(&b, "|%s=%s", pairEscaper.Replace(name), pairEscaper.Replace(k.Vary[name]))
		}
	}

	return b.String()
}

// ParseRequestKey reverses String.
func ParseRequestKey(s string) (RequestKey, error) {
	method, rest, ok := strings.Cut(s, " ")
	if !ok || method == "" || rest == "" {
		return RequestKey{}, fmt.Errorf("%w: malformed request key %q", ErrInvalidEntry, s)
	}

	parts := strings.Split(rest, "|")
	key := RequestKey{Method: method, URL: urlUnescaper.Replace(parts[0])}
	for _, part := range parts[1:] {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return RequestKey{}, fmt.Errorf("%w: malformed vary pair %q", ErrInvalidEntry, part)
		}
		if key.Vary == nil {
			key.Vary = make(map[string]string)
		}
		key.Vary[pairUnescaper.Replace(name)] = pairUnescaper.Replace(value)
	}
	return key, nil
}

// Resolver maps a request URL onto the origin.
type Resolver interface {
	Resolve(u *url.URL) *url.URL
}

// PathKey returns the key a GET for path has once resolved by r.
func PathKey(r Resolver, path string) (RequestKey, error) {
	u, err := url.Parse(path)
	if err != nil {
		return RequestKey{}, fmt.Errorf("parse path %q: %w", path, err)
	}
	return RequestKey{
		Method: http.MethodGet,
		URL:    r.Resolve(u).String(),
	}, nil
}

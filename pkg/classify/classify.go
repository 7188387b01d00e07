// Package classify assigns intercepted requests to traffic classes.
//
// The class decides which fetch strategy serves a request. Classification is a pure
// function of the request's fetch mode, Accept header and URL path. Checks run in a
// fixed order: navigation, api, static-binary, other. Navigation always wins so an
// HTML error page is never mistaken for a data response.
package classify

import (
	"net/http"
	"path"
	"strings"
)

// TrafficClass is the category that selects a fetch strategy.
type TrafficClass string

const (
	// Navigation is a request that loads a document.
	Navigation TrafficClass = "navigation"

	// API is a data request that must never be cached.
	API TrafficClass = "api"

	// StaticBinary is an inert image or font asset.
	StaticBinary TrafficClass = "static-binary"

	// Other covers code, styling, the app manifest and anything unclassified.
	Other TrafficClass = "other"
)

// Classes lists every traffic class in precedence order.
var Classes = []TrafficClass{Navigation, API, StaticBinary, Other}

// ParseTrafficClass returns the class named s.
func ParseTrafficClass(s string) (TrafficClass, bool) {
	for _, c := range Classes {
		if string(c) == strings.ToLower(s) {
			return c, true
		}
	}
	return "", false
}

// Rules holds the lists classification matches against.
type Rules struct {
	// MarkupExtensions mark a navigation by path (e.g. ".html")
	MarkupExtensions []string

	// APISegments mark a data request when contained in the path (e.g. "/api/")
	APISegments []string

	// DataExtensions mark a data request by path (e.g. ".json")
	DataExtensions []string

	// ManifestFiles are data-looking file names excluded from API (e.g. "manifest.json")
	ManifestFiles []string

	// BinaryExtensions mark cache-safe image and font assets
	BinaryExtensions []string
}

// DefaultRules returns the canonical lists.
func DefaultRules() Rules {
	return Rules{
		MarkupExtensions: []string{".html", ".htm"},
		APISegments:      []string{"/api/"},
		DataExtensions:   []string{".json"},
		ManifestFiles:    []string{"manifest.json", "manifest.webmanifest"},
		BinaryExtensions: []string{
			".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif",
			".woff", ".woff2", ".ttf", ".otf", ".eot",
		},
	}
}

// Classify returns the traffic class for req.
func Classify(req *http.Request, rules Rules) TrafficClass {
	p := req.URL.Path
	base := strings.ToLower(path.Base(p))
	ext := strings.ToLower(path.Ext(p))

	if IsNavigation(req, rules) {
		return Navigation
	}

	for _, seg := range rules.APISegments {
		if strings.Contains(p, seg) {
			return API
		}
	}
	if contains(rules.DataExtensions, ext) && !contains(rules.ManifestFiles, base) {
		return API
	}

	if contains(rules.BinaryExtensions, ext) {
		return StaticBinary
	}

	return Other
}

// IsNavigation reports whether req loads a document.
func IsNavigation(req *http.Request, rules Rules) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html") {
		return true
	}

	p := req.URL.Path
	if p == "" || p == "/" {
		return true
	}
	return contains(rules.MarkupExtensions, strings.ToLower(path.Ext(p)))
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

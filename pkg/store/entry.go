package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is an immutable snapshot of a network response.
type Entry struct {
	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Header holds the response headers
	Header http.Header `json:"headers"`

	// Body is the response body
	Body []byte `json:"body"`

	// CachedAt is when the response was stored
	CachedAt time.Time `json:"cached_at"`
}

// ResponseToEntry converts an HTTP response to an Entry.
// The body is read once and the response body is restored from the copy,
// so the caller and the cache own independent readers.
func ResponseToEntry(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(body),
		CachedAt:   time.Now(),
	}, nil
}

// NewEntry builds an entry from raw parts, e.g. for application data blobs.
func NewEntry(statusCode int, header http.Header, body []byte) *Entry {
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		StatusCode: statusCode,
		Header:     header.Clone(),
		Body:       bytes.Clone(body),
		CachedAt:   time.Now(),
	}
}

// Response builds a fresh *http.Response from the entry.
// Every call returns its own body reader and header map.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return time.Since(e.CachedAt)
}

package strategy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// HeaderOfflineFallback marks a synthesized offline document.
const HeaderOfflineFallback = "X-Offline-Fallback"

const offlineDocument = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
</head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Check your network and try again.</p>
</body>
</html>
`

// OfflineDocument returns the body of the synthesized offline page.
func OfflineDocument() []byte {
	return []byte(offlineDocument)
}

// offlineResponse synthesizes the minimal offline page.
func offlineResponse(req *http.Request) *http.Response {
	body := OfflineDocument()
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set(HeaderOfflineFallback, "synthesized")

	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

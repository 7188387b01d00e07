package strategy

import (
	"context"
	"net/http"

	"github.com/Sternrassler/offline-worker/pkg/fetch"
)

// fetchOptionsRevalidate are the options of a background refresh.
var fetchOptionsRevalidate = fetch.Options{NoCache: true}

// Preload is a navigation response that is already being fetched.
// The navigation strategy waits for it instead of issuing a second request.
type Preload struct {
	done chan struct{}
	resp *http.Response
	err  error
}

// StartPreload begins fetching req with revalidation forced.
func StartPreload(ctx context.Context, f fetch.Fetcher, req *http.Request) *Preload {
	p := &Preload{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.resp, p.err = f.Fetch(ctx, req, fetch.Options{NoCache: true})
	}()
	return p
}

// CompletedPreload wraps an already settled preload result.
func CompletedPreload(resp *http.Response, err error) *Preload {
	p := &Preload{done: make(chan struct{}), resp: resp, err: err}
	close(p.done)
	return p
}

// Wait returns the preload result, or ctx's error if ctx ends first.
// A response arriving after ctx ended is discarded.
func (p *Preload) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		p.Discard()
		return nil, ctx.Err()
	}
}

// Discard releases the response of a preload nobody is going to read.
func (p *Preload) Discard() {
	go func() {
		<-p.done
		if p.resp != nil {
			p.resp.Body.Close()
		}
	}()
}

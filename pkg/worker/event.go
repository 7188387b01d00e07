package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-worker/pkg/control"
	"github.com/Sternrassler/offline-worker/pkg/strategy"
)

// EventKind is a lifecycle signal the worker handles.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventSync              EventKind = "sync"
	EventPeriodicSync      EventKind = "periodicsync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is one lifecycle signal. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	// Request and Preload belong to fetch events.
	Request *http.Request
	Preload *strategy.Preload

	// Data is the message body of message events and the payload of push events.
	Data []byte

	// Source is the client a message came from. Reply, when set, overrides
	// posting replies to Source.
	Source string
	Reply  control.Replier

	// Tag names a sync or periodicsync registration.
	Tag string

	// Action is the notification button that was clicked, if any.
	Action string

	mu      sync.Mutex
	pending []func(ctx context.Context) error
	result  *strategy.Result
}

// WaitUntil defers fn: Dispatch does not return before fn has settled.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, fn)
}

// Result returns the response of a fetch event.
func (e *Event) Result() *strategy.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Event) respondWith(res *strategy.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = res
}

func (e *Event) takePending() []func(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending
	e.pending = nil
	return p
}

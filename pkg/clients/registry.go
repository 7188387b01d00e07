// Package clients tracks the pages controlled by the offline worker.
package clients

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	clientsAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_clients_attached",
		Help: "Number of pages currently attached to the worker",
	})

	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_client_messages_dropped_total",
		Help: "Messages dropped because a client was not reading",
	})
)

// DefaultBuffer is the per-client outbound message buffer.
const DefaultBuffer = 16

// Client is an attached page.
type Client struct {
	ID  string
	URL string

	controller string
	out        chan Message
}

// Messages returns the channel of messages posted to the client.
// It is closed when the client detaches.
func (c *Client) Messages() <-chan Message {
	return c.out
}

// WindowOpener opens a new page at url.
type WindowOpener func(ctx context.Context, url string) error

// Registry holds attached clients and the identity of the worker controlling them.
type Registry struct {
	mu         sync.Mutex
	clients    map[string]*Client
	order      []string
	controller string
	opened     []string
	opener     WindowOpener
	onIdle     func()
	logger     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		logger:  logging.NewLogger("clients"),
	}
}

// SetWindowOpener installs the function used by OpenWindow.
func (r *Registry) SetWindowOpener(opener WindowOpener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opener = opener
}

// SetIdleHook installs fn, called after the last client detaches.
func (r *Registry) SetIdleHook(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onIdle = fn
}

// Attach registers a page. New pages are controlled by the current controller.
func (r *Registry) Attach(id, url string) (*Client, error) {
	if id == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[id]; ok {
		return nil, fmt.Errorf("client %q already attached", id)
	}

	c := &Client{
		ID:         id,
		URL:        url,
		controller: r.controller,
		out:        make(chan Message, DefaultBuffer),
	}
	r.clients[id] = c
	r.order = append(r.order, id)
	clientsAttached.Inc()

	r.logger.Debug().Str("client", id).Str("controller", c.controller).Msg("Client attached")
	return c, nil
}

// Detach removes a page and closes its message channel.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	for i, cid := range r.order {
		if cid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	close(c.out)
	clientsAttached.Dec()
	idle := len(r.clients) == 0
	hook := r.onIdle
	r.mu.Unlock()

	r.logger.Debug().Str("client", id).Msg("Client detached")
	if idle && hook != nil {
		hook()
	}
}

// Len returns the number of attached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// MatchAll returns the IDs of attached clients in attach order.
func (r *Registry) MatchAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// ControllerOf returns the worker controlling client id.
func (r *Registry) ControllerOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	return c.controller, true
}

// Controller returns the worker that controls the registry.
func (r *Registry) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Claim makes workerID the controller of every attached client and of all
// clients attached later. It returns the number of clients claimed.
func (r *Registry) Claim(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.controller
	r.controller = workerID
	for _, c := range r.clients {
		c.controller = workerID
	}

	r.logger.Info().
		Str("controller", workerID).
		Str("previous", previous).
		Int("clients", len(r.clients)).
		Msg("Clients claimed")
	return len(r.clients)
}

// Post delivers msg to client id. It reports whether the message was queued.
func (r *Registry) Post(id string, msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}
	return r.send(c, msg)
}

// Broadcast delivers msg to every attached client and returns how many received it.
func (r *Registry) Broadcast(msg Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.order {
		if r.send(r.clients[id], msg) {
			n++
		}
	}
	return n
}

// send must be called with r.mu held so Detach cannot close the channel concurrently.
func (r *Registry) send(c *Client, msg Message) bool {
	select {
	case c.out <- msg:
		return true
	default:
		messagesDropped.Inc()
		r.logger.Warn().Str("client", c.ID).Str("type", msg.Type).Msg("Client buffer full, message dropped")
		return false
	}
}

// OpenWindow asks the host to open a page at url.
func (r *Registry) OpenWindow(ctx context.Context, url string) error {
	r.mu.Lock()
	r.opened = append(r.opened, url)
	opener := r.opener
	r.mu.Unlock()

	r.logger.Info().Str("url", url).Msg("Opening window")
	if opener == nil {
		return nil
	}
	if err := opener(ctx, url); err != nil {
		return fmt.Errorf("open window %s: %w", url, err)
	}
	return nil
}

// Opened returns the URLs passed to OpenWindow so far.
func (r *Registry) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "offline_worker_active",
	Help: "1 while a worker is active",
})

// ErrNoActiveWorker is returned by Dispatch before any worker has activated.
var ErrNoActiveWorker = errors.New("no active worker")

// Registration tracks the active worker and the one waiting to replace it.
// At most one worker is active at any time.
type Registration struct {
	mu      sync.Mutex
	active  *Worker
	waiting *Worker

	// promoteMu serializes activations
	promoteMu sync.Mutex

	clients *clients.Registry
	logger  zerolog.Logger
}

// NewRegistration creates a registration over reg. When the last client
// detaches, a waiting worker is promoted.
func NewRegistration(reg *clients.Registry) *Registration {
	r := &Registration{
		clients: reg,
		logger:  logging.NewLogger("registration"),
	}
	reg.SetIdleHook(func() {
		if err := r.promoteWaiting(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("Idle promotion failed")
		}
	})
	return r
}

// Register installs w. With no active worker, or no attached clients, w is
// activated right away; otherwise it waits for SkipWaiting or for the clients
// to go away. A previously waiting worker is discarded.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	if err := w.Dispatch(ctx, &Event{Kind: EventInstall}); err != nil {
		return fmt.Errorf("install %s: %w", w.ID(), err)
	}
	w.Control().SetActivator(r.SkipWaiting)

	r.promoteMu.Lock()
	r.mu.Lock()
	replaced := r.waiting
	r.waiting = w
	r.mu.Unlock()
	r.promoteMu.Unlock()

	if replaced != nil {
		r.logger.Info().Str("worker_id", replaced.ID()).Msg("Discarding superseded waiting worker")
		replaced.Close()
	}

	r.logger.Info().Str("worker_id", w.ID()).Msg("Worker installed")

	if r.Active() == nil || r.clients.Len() == 0 {
		return r.promoteWaiting(ctx)
	}
	return nil
}

// SkipWaiting activates the waiting worker now. It is a no-op without one.
func (r *Registration) SkipWaiting(ctx context.Context) error {
	return r.promoteWaiting(ctx)
}

// Dispatch sends ev to the active worker. An event rejected by a worker that
// a concurrent promotion is retiring is sent once more to its successor.
func (r *Registration) Dispatch(ctx context.Context, ev *Event) error {
	for attempt := 0; ; attempt++ {
		w := r.Active()
		if w == nil {
			return ErrNoActiveWorker
		}
		err := w.Dispatch(ctx, ev)
		if attempt > 0 || !errors.Is(err, ErrClosed) {
			return err
		}
		r.logger.Debug().Str("worker_id", w.ID()).Str("kind", string(ev.Kind)).Msg("Worker retired mid-dispatch, retrying")

		// wait out the promotion
		r.promoteMu.Lock()
		r.promoteMu.Unlock()
	}
}

// Active returns the active worker or nil.
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Waiting returns the waiting worker or nil.
func (r *Registration) Waiting() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting
}

// Close closes the active and waiting workers.
func (r *Registration) Close() error {
	r.mu.Lock()
	active, waiting := r.active, r.waiting
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	if waiting != nil {
		waiting.Close()
	}
	if active != nil {
		active.Close()
	}
	activeWorkers.Set(0)
	return nil
}

// promoteWaiting drains the active worker, runs the waiting worker's
// activate event and makes it the active worker once purge and claim are
// done. The drained worker is closed, or resumed if activation fails.
func (r *Registration) promoteWaiting(ctx context.Context) error {
	// a dispatch blocked here only returns after the promotion it waits for
	if owner := dispatching(ctx); owner != nil {
		owner.park(1)
		r.promoteMu.Lock()
		owner.park(-1)
	} else {
		r.promoteMu.Lock()
	}
	defer r.promoteMu.Unlock()

	r.mu.Lock()
	w := r.waiting
	previous := r.active
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	if previous != nil {
		if err := previous.drain(ctx); err != nil {
			return fmt.Errorf("drain %s: %w", previous.ID(), err)
		}
	}

	if err := w.Dispatch(ctx, &Event{Kind: EventActivate}); err != nil {
		if previous != nil {
			previous.resume()
		}
		return fmt.Errorf("activate %s: %w", w.ID(), err)
	}

	r.mu.Lock()
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()
	activeWorkers.Set(1)

	if previous != nil {
		previous.Close()
	}

	r.logger.Info().
		Str("worker_id", w.ID()).
		Str("static", w.Names().Static).
		Msg("Worker activated")
	return nil
}

// Package worker ties the caching engine together into a worker instance:
// the process-scoped context that lifecycle events are dispatched to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/control"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/generation"
	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/Sternrassler/offline-worker/pkg/strategy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_worker_events_total",
	Help: "Dispatched lifecycle events by kind and outcome",
}, []string{"kind", "outcome"})

// Sync tags handled by the worker.
const (
	TagSyncProgress    = "sync-progress"
	TagUpdateQuestions = "update-questions"
)

// ErrClosed is returned when dispatching to a closed worker.
var ErrClosed = errors.New("worker closed")

// Origin is everything the worker needs from the network.
// *fetch.Client satisfies it.
type Origin interface {
	fetch.Fetcher
	Get(ctx context.Context, path string, retry fetch.RetryConfig) (*http.Response, error)
	Resolve(u *url.URL) *url.URL
}

// Config holds worker configuration.
type Config struct {
	// ID identifies the worker. Generated when empty.
	ID string

	// Generation configures install and activate. WorkerID is set from ID.
	Generation generation.Config

	// Strategy configures the fetch engine. Names are set from Generation.
	Strategy strategy.Config

	// QuestionsPath is where CACHE_QUESTIONS stores its blob.
	QuestionsPath string

	// NavigationPreload starts the origin fetch of a navigation as soon as
	// the fetch event arrives, before the strategy runs.
	NavigationPreload bool
}

// Deps are the shared collaborators of a worker.
type Deps struct {
	Storage  store.Storage
	Origin   Origin
	Clients  *clients.Registry
	Notifier Notifier
}

// HandlerFunc handles one event kind.
type HandlerFunc func(ctx context.Context, w *Worker, ev *Event) error

// Worker is one deployed version of the offline worker.
type Worker struct {
	id       string
	preload  bool
	origin   Origin
	storage  store.Storage
	clients  *clients.Registry
	notifier Notifier
	manager  *generation.Manager
	engine   *strategy.Engine
	control  *control.Handler
	handlers map[EventKind]HandlerFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	closed   bool
	draining bool
	inflight int
	parked   int
}

type dispatchKey struct{}

// dispatching returns the worker whose Dispatch ctx runs under, or nil.
func dispatching(ctx context.Context) *Worker {
	w, _ := ctx.Value(dispatchKey{}).(*Worker)
	return w
}

// New creates a worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Storage == nil || deps.Origin == nil || deps.Clients == nil {
		return nil, fmt.Errorf("storage, origin and clients are required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}

	cfg.Generation.WorkerID = cfg.ID
	cfg.Strategy.Names = cfg.Generation.Names

	manager := generation.NewManager(cfg.Generation, deps.Storage, deps.Origin, deps.Clients)

	engine, err := strategy.New(cfg.Strategy, deps.Storage, deps.Origin)
	if err != nil {
		return nil, fmt.Errorf("create strategy engine: %w", err)
	}

	ctrl, err := control.NewHandler(control.Config{
		StaticRole:    cfg.Generation.Names.Static,
		QuestionsPath: cfg.QuestionsPath,
	}, deps.Storage, deps.Origin, manager, nil)
	if err != nil {
		return nil, fmt.Errorf("create control handler: %w", err)
	}

	w := &Worker{
		id:       cfg.ID,
		preload:  cfg.NavigationPreload,
		origin:   deps.Origin,
		storage:  deps.Storage,
		clients:  deps.Clients,
		notifier: deps.Notifier,
		manager:  manager,
		engine:   engine,
		control:  ctrl,
		handlers: defaultHandlers(),
		logger:   logging.ForWorker("worker", cfg.ID),
	}
	w.idle = sync.NewCond(&w.mu)
	return w, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return w.id }

// Names returns the worker's cache generation.
func (w *Worker) Names() generation.Names { return w.manager.Names() }

// Engine returns the fetch strategy engine.
func (w *Worker) Engine() *strategy.Engine { return w.engine }

// Control returns the control-channel handler.
func (w *Worker) Control() *control.Handler { return w.control }

// Handle replaces the handler for kind.
func (w *Worker) Handle(kind EventKind, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
}

// Dispatch runs the handler for ev.Kind, then settles every task deferred
// with ev.WaitUntil. It returns the handler's error or the first deferred one.
// A closed or draining worker rejects ev with ErrClosed before touching it.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) error {
	fn, ok, err := w.enter(ev.Kind)
	if err != nil {
		return err
	}
	defer w.leave()

	if !ok {
		eventsTotal.WithLabelValues(string(ev.Kind), "unhandled").Inc()
		w.logger.Debug().Str("kind", string(ev.Kind)).Msg("No handler for event")
		return nil
	}

	ctx = context.WithValue(ctx, dispatchKey{}, w)
	err = fn(ctx, w, ev)

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range ev.takePending() {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}

	if err != nil {
		eventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return err
	}
	eventsTotal.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

// Close stops accepting events and waits for background cache writes.
// Writes handed over after Close are dropped.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.engine.Writer().Pause()
	w.logger.Debug().Msg("Worker closed")
	return nil
}

func (w *Worker) enter(kind EventKind) (HandlerFunc, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.draining {
		return nil, false, ErrClosed
	}
	w.inflight++
	fn, ok := w.handlers[kind]
	return fn, ok, nil
}

func (w *Worker) leave() {
	w.mu.Lock()
	w.inflight--
	w.idle.Broadcast()
	w.mu.Unlock()
}

// park excludes a dispatch blocked on a promotion from drain.
func (w *Worker) park(delta int) {
	w.mu.Lock()
	w.parked += delta
	w.idle.Broadcast()
	w.mu.Unlock()
}

// drain stops w from taking new events, waits until every running dispatch
// except the caller's own has returned, then pauses background writes.
// On error w is resumed.
func (w *Worker) drain(ctx context.Context) error {
	own := 0
	if dispatching(ctx) == w {
		own = 1
	}

	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.idle.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	w.draining = true
	for w.inflight-w.parked > own && ctx.Err() == nil {
		w.idle.Wait()
	}
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		w.resume()
		return err
	}
	w.engine.Writer().Pause()
	w.logger.Debug().Msg("Worker drained")
	return nil
}

// resume undoes drain.
func (w *Worker) resume() {
	w.mu.Lock()
	w.draining = false
	w.mu.Unlock()
	w.engine.Writer().Resume()
}

func defaultHandlers() map[EventKind]HandlerFunc {
	return map[EventKind]HandlerFunc{
		EventInstall:           handleInstall,
		EventActivate:          handleActivate,
		EventFetch:             handleFetch,
		EventMessage:           handleMessage,
		EventSync:              handleSync,
		EventPeriodicSync:      handlePeriodicSync,
		EventPush:              handlePush,
		EventNotificationClick: handleNotificationClick,
	}
}

func handleInstall(ctx context.Context, w *Worker, ev *Event) error {
	ev.WaitUntil(func(ctx context.Context) error {
		_, err := w.manager.Initialize(ctx)
		return err
	})
	return nil
}

func handleActivate(ctx context.Context, w *Worker, ev *Event) error {
	ev.WaitUntil(w.manager.Activate)
	return nil
}

func handleFetch(ctx context.Context, w *Worker, ev *Event) error {
	if ev.Request == nil {
		return fmt.Errorf("fetch event without request")
	}
	if ev.Preload == nil && w.preload && w.engine.UsesPreload(ev.Request) {
		ev.Preload = strategy.StartPreload(ctx, w.origin, ev.Request)
	}
	res, err := w.engine.Handle(ctx, ev.Request, ev.Preload)
	if err != nil {
		return err
	}
	ev.respondWith(res)
	return nil
}

func handleMessage(ctx context.Context, w *Worker, ev *Event) error {
	reply := ev.Reply
	if reply == nil && ev.Source != "" {
		source := ev.Source
		reply = func(msg clients.Message) {
			w.clients.Post(source, msg)
		}
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return w.control.HandleRaw(ctx, ev.Data, reply)
	})
	return nil
}

func handleSync(ctx context.Context, w *Worker, ev *Event) error {
	if ev.Tag != TagSyncProgress {
		return nil
	}
	ev.WaitUntil(func(ctx context.Context) error {
		n := w.clients.Broadcast(clients.Message{
			Type:    clients.TypeSyncComplete,
			Message: "Your progress has been synchronized",
		})
		w.logger.Info().Int("clients", n).Msg("Progress sync complete")
		return nil
	})
	return nil
}

func handlePeriodicSync(ctx context.Context, w *Worker, ev *Event) error {
	if ev.Tag != TagUpdateQuestions {
		return nil
	}
	ev.WaitUntil(func(ctx context.Context) error {
		n := w.clients.Broadcast(clients.Message{
			Type:    clients.TypeQuestionsUpdated,
			Message: "New questions available",
		})
		w.logger.Info().Int("clients", n).Msg("Question update announced")
		return nil
	})
	return nil
}

func handlePush(ctx context.Context, w *Worker, ev *Event) error {
	n := reminder(ev.Data)
	ev.WaitUntil(func(ctx context.Context) error {
		return w.notifier.Notify(ctx, n)
	})
	return nil
}

func handleNotificationClick(ctx context.Context, w *Worker, ev *Event) error {
	var target string
	switch ev.Action {
	case ActionClose:
		return nil
	case ActionPractice:
		target = "/?mode=strategic"
	default:
		target = "/"
	}
	ev.WaitUntil(func(ctx context.Context) error {
		return w.clients.OpenWindow(ctx, target)
	})
	return nil
}

// Package server exposes the offline worker over HTTP: an intercepting proxy
// for controlled pages plus the worker's control and event endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/metrics"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/Sternrassler/offline-worker/pkg/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxMessageSize bounds control message and push payloads.
const MaxMessageSize = 1 << 20

// Server routes HTTP traffic to the active worker.
type Server struct {
	registration *worker.Registration
	clients      *clients.Registry
	storage      store.Storage
	router       chi.Router
	logger       zerolog.Logger
}

// New creates a server.
func New(registration *worker.Registration, reg *clients.Registry, storage store.Storage) *Server {
	s := &Server{
		registration: registration,
		clients:      reg,
		storage:      storage,
		logger:       log.With().Str("component", "server").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/__worker", func(r chi.Router) {
		r.Post("/message", s.handleMessage)
		r.Get("/events", s.handleEvents)
		r.Get("/questions", s.handleQuestions)
		r.Post("/sync", s.handleTagged(worker.EventSync))
		r.Post("/periodicsync", s.handleTagged(worker.EventPeriodicSync))
		r.Post("/push", s.handlePush)
		r.Post("/notificationclick", s.handleNotificationClick)
	})

	r.HandleFunc("/*", s.handleFetch)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.registration.Active() == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.storage.Keys(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "READY")
}

// handleFetch serves an intercepted request through the active worker.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	ev := &worker.Event{Kind: worker.EventFetch, Request: r}
	if err := s.registration.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, worker.ErrNoActiveWorker) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if r.Context().Err() != nil {
			// client went away
			return
		}
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Fetch failed")
		http.Error(w, fmt.Sprintf("fetch failed: %v", err), http.StatusBadGateway)
		return
	}

	res := ev.Result()
	if res == nil || res.Response == nil {
		http.Error(w, "no response", http.StatusBadGateway)
		return
	}
	writeResponse(w, res.Response, s.logger)
}

// handleMessage delivers a control message. Replies are returned as the
// response body.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize))
	if err != nil {
		http.Error(w, "read message", http.StatusBadRequest)
		return
	}

	var replies []clients.Message
	ev := &worker.Event{
		Kind:   worker.EventMessage,
		Data:   data,
		Source: r.URL.Query().Get("client"),
		Reply: func(msg clients.Message) {
			replies = append(replies, msg)
		},
	}
	if err := s.registration.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, worker.ErrNoActiveWorker) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Warn().Err(err).Msg("Message handling failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(replies) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, replies[len(replies)-1])
}

// handleEvents attaches a client and streams messages posted to it as
// server-sent events until the request ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := r.URL.Query().Get("client")
	if id == "" {
		id = uuid.NewString()
	}
	page := r.URL.Query().Get("url")
	if page == "" {
		page = r.Referer()
	}

	c, err := s.clients.Attach(id, page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer s.clients.Detach(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Client-Id", id)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": attached %s\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	active := s.registration.Active()
	if active == nil {
		http.Error(w, "no active worker", http.StatusServiceUnavailable)
		return
	}

	entry, err := active.Control().Questions(r.Context())
	if errors.Is(err, store.ErrCacheMiss) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeResponse(w, entry.Response(r), s.logger)
}

func (s *Server) handleTagged(kind worker.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, &worker.Event{Kind: kind, Tag: r.URL.Query().Get("tag")})
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize))
	if err != nil {
		http.Error(w, "read payload", http.StatusBadRequest)
		return
	}
	s.dispatch(w, r, &worker.Event{Kind: worker.EventPush, Data: data})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, &worker.Event{Kind: worker.EventNotificationClick, Action: r.URL.Query().Get("action")})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev *worker.Event) {
	if err := s.registration.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, worker.ErrNoActiveWorker) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Event failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeResponse(w http.ResponseWriter, resp *http.Response, logger zerolog.Logger) {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug().Err(err).Msg("Failed to write response body")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// Package control handles out-of-band commands posted by controlled pages.
package control

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_control_messages_total",
	Help: "Control messages by type and outcome",
}, []string{"type", "outcome"})

// DefaultQuestionsPath is the fixed location of the cached question blob.
const DefaultQuestionsPath = "/questions-data"

// Purger deletes every cache role, reopens the current generation and
// re-asserts control over clients. *generation.Manager satisfies it.
type Purger interface {
	PurgeAll(ctx context.Context) error
	Restore(ctx context.Context) error
	Claim() int
}

// Activator forces the waiting worker to become active.
type Activator func(ctx context.Context) error

// Replier delivers a reply on the sender's channel.
type Replier func(msg clients.Message)

// Config holds handler configuration.
type Config struct {
	// StaticRole receives the question blob.
	StaticRole string

	// QuestionsPath is the path the blob is stored under.
	QuestionsPath string
}

// Handler processes control messages.
type Handler struct {
	cfg          Config
	storage      store.Storage
	purger       Purger
	activate     Activator
	questionsKey store.RequestKey
	logger       zerolog.Logger
}

// NewHandler creates a handler. activate may be nil, in which case
// SKIP_WAITING is ignored.
func NewHandler(cfg Config, storage store.Storage, resolver store.Resolver, purger Purger, activate Activator) (*Handler, error) {
	if cfg.StaticRole == "" {
		return nil, fmt.Errorf("static role cannot be empty")
	}
	if cfg.QuestionsPath == "" {
		cfg.QuestionsPath = DefaultQuestionsPath
	}

	key, err := store.PathKey(resolver, cfg.QuestionsPath)
	if err != nil {
		return nil, err
	}

	return &Handler{
		cfg:          cfg,
		storage:      storage,
		purger:       purger,
		activate:     activate,
		questionsKey: key,
		logger:       logging.NewLogger("control"),
	}, nil
}

// SetActivator replaces the SKIP_WAITING target.
func (h *Handler) SetActivator(activate Activator) {
	h.activate = activate
}

// HandleRaw decodes data and handles it. Malformed payloads are ignored.
func (h *Handler) HandleRaw(ctx context.Context, data []byte, reply Replier) error {
	msg, err := clients.ParseMessage(data)
	if err != nil {
		messagesTotal.WithLabelValues("malformed", "ignored").Inc()
		h.logger.Debug().Err(err).Msg("Ignoring malformed message")
		return nil
	}
	return h.Handle(ctx, msg, reply)
}

// Handle runs the command in msg. Unknown types are ignored. reply may be nil.
func (h *Handler) Handle(ctx context.Context, msg clients.Message, reply Replier) error {
	var err error
	switch msg.Type {
	case clients.TypeSkipWaiting:
		err = h.skipWaiting(ctx)
	case clients.TypeClearCache:
		err = h.clearCache(ctx, reply)
	case clients.TypeCacheQuestions:
		err = h.cacheQuestions(ctx, msg)
	default:
		messagesTotal.WithLabelValues("unknown", "ignored").Inc()
		h.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown message")
		return nil
	}

	if err != nil {
		messagesTotal.WithLabelValues(msg.Type, "error").Inc()
		return err
	}
	messagesTotal.WithLabelValues(msg.Type, "ok").Inc()
	return nil
}

// Questions returns the stored question blob.
func (h *Handler) Questions(ctx context.Context) (*store.Entry, error) {
	return h.storage.Match(ctx, h.questionsKey, h.cfg.StaticRole)
}

func (h *Handler) skipWaiting(ctx context.Context) error {
	if h.activate == nil {
		h.logger.Debug().Msg("No waiting worker to activate")
		return nil
	}
	h.logger.Info().Msg("Skip waiting requested")
	if err := h.activate(ctx); err != nil {
		return fmt.Errorf("skip waiting: %w", err)
	}
	return nil
}

// clearCache purges every role, replies, then reopens the current roles
// empty and re-claims clients. The purge has finished before the reply is sent.
func (h *Handler) clearCache(ctx context.Context, reply Replier) error {
	err := h.purger.PurgeAll(ctx)

	ack := clients.Message{Type: clients.TypeCacheCleared, Success: clients.Bool(err == nil)}
	if err != nil {
		ack.Error = err.Error()
		h.logger.Error().Err(err).Msg("Clear cache failed")
	} else {
		h.logger.Info().Msg("All caches cleared")
	}
	if reply != nil {
		reply(ack)
	}

	if err := h.purger.Restore(ctx); err != nil {
		h.logger.Error().Err(err).Msg("Failed to reopen current caches")
	}
	h.purger.Claim()
	return nil
}

func (h *Handler) cacheQuestions(ctx context.Context, msg clients.Message) error {
	if len(msg.Questions) == 0 {
		h.logger.Debug().Msg("CACHE_QUESTIONS without payload, ignoring")
		return nil
	}

	c, err := h.storage.Open(ctx, h.cfg.StaticRole)
	if err != nil {
		return fmt.Errorf("open %s: %w", h.cfg.StaticRole, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	entry := store.NewEntry(http.StatusOK, header, msg.Questions)
	if err := c.Put(ctx, h.questionsKey, entry); err != nil {
		return fmt.Errorf("store questions: %w", err)
	}

	h.logger.Info().Int("bytes", len(msg.Questions)).Msg("Questions cached for offline use")
	return nil
}

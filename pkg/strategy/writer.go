package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/rs/zerolog"
)

// DefaultWriteTimeout bounds a single background task.
const DefaultWriteTimeout = 30 * time.Second

// Writer runs fire-and-forget cache tasks and keeps track of the pending ones.
// Task errors are logged and counted, never returned to a requester.
type Writer struct {
	storage store.Storage
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	paused bool
	wg     sync.WaitGroup
}

// NewWriter creates a writer for storage.
func NewWriter(storage store.Storage, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Writer{
		storage: storage,
		timeout: timeout,
		logger:  logging.NewLogger("writer"),
	}
}

// Put stores entry under key in role without blocking the caller.
// A role that no longer exists is not recreated.
func (w *Writer) Put(role string, key store.RequestKey, entry *store.Entry) {
	w.Go("put", func(ctx context.Context) error {
		c, err := w.storage.OpenExisting(ctx, role)
		if err != nil {
			return err
		}
		if err := c.Put(ctx, key, entry); err != nil {
			return err
		}
		w.logger.Debug().Str("role", role).Str("key", key.String()).Msg("Background write stored")
		return nil
	})
}

// Go runs fn in the background with a detached, time-bounded context.
// Tasks handed to a paused writer are dropped.
func (w *Writer) Go(name string, fn func(ctx context.Context) error) {
	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		store.CacheErrors.WithLabelValues("background_dropped").Inc()
		w.logger.Debug().Str("task", name).Msg("Writer paused, background task dropped")
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			store.CacheErrors.WithLabelValues("background_" + name).Inc()
			w.logger.Warn().Err(err).Str("task", name).Msg("Background cache task failed")
		}
	}()
}

// Wait blocks until every task started so far has settled.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// Pause stops the writer from accepting tasks and waits for the pending ones.
func (w *Writer) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.wg.Wait()
}

// Resume lets a paused writer accept tasks again.
func (w *Writer) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/store"
)

// PrecacheReport summarizes an Initialize run.
type PrecacheReport struct {
	// Stored lists paths written to the static role
	Stored []string

	// Failed maps paths to the error that prevented storing them
	Failed map[string]error
}

type precacheResult struct {
	path string
	err  error
}

// precache fetches the configured paths with a bounded worker pool and stores
// each successful response in static.
func (m *Manager) precache(ctx context.Context, static store.Cache) *PrecacheReport {
	start := time.Now()
	report := &PrecacheReport{Failed: make(map[string]error)}

	paths := m.cfg.Precache
	if len(paths) == 0 {
		return report
	}

	queue := make(chan string, len(paths))
	results := make(chan precacheResult, len(paths))

	for _, p := range paths {
		queue <- p
	}
	close(queue)

	workers := m.cfg.Concurrency
	if workers > len(paths) {
		workers = len(paths)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go m.precacheWorker(ctx, static, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for result := range results {
		if result.err != nil {
			precacheTotal.WithLabelValues("failed").Inc()
			report.Failed[result.path] = result.err
			m.logger.Warn().
				Err(result.err).
				Str("path", result.path).
				Msg("Precache failed")
			continue
		}
		precacheTotal.WithLabelValues("stored").Inc()
		report.Stored = append(report.Stored, result.path)
	}
	sort.Strings(report.Stored)

	m.logger.Debug().
		Int("stored", len(report.Stored)).
		Int("total", len(paths)).
		Dur("duration", time.Since(start)).
		Msg("Precache run finished")

	return report
}

// precacheWorker processes paths from the queue.
func (m *Manager) precacheWorker(ctx context.Context, static store.Cache, queue <-chan string, results chan<- precacheResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for path := range queue {
		select {
		case <-ctx.Done():
			results <- precacheResult{path: path, err: ctx.Err()}
			continue
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.precacheOne(fetchCtx, static, path)
		cancel()

		if err == nil {
			m.logger.Debug().Int("worker_id", workerID).Str("path", path).Msg("Precached")
		}
		results <- precacheResult{path: path, err: err}
	}
}

func (m *Manager) precacheOne(ctx context.Context, static store.Cache, path string) error {
	resp, err := m.origin.Get(ctx, path, m.cfg.FetchRetry)
	if err != nil {
		return err
	}

	entry, err := store.ResponseToEntry(resp)
	if err != nil {
		return err
	}
	if entry.StatusCode < 200 || entry.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", entry.StatusCode)
	}

	key, err := m.keyFor(path)
	if err != nil {
		return err
	}
	return static.Put(ctx, key, entry)
}

// keyFor returns the request key a GET for path has once resolved onto the
// origin. The strategy engine derives its lookup keys the same way.
func (m *Manager) keyFor(path string) (store.RequestKey, error) {
	return store.PathKey(m.origin, path)
}

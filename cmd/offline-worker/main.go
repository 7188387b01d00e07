package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-worker/pkg/clients"
	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/control"
	"github.com/Sternrassler/offline-worker/pkg/fetch"
	"github.com/Sternrassler/offline-worker/pkg/generation"
	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/Sternrassler/offline-worker/pkg/server"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/Sternrassler/offline-worker/pkg/strategy"
	"github.com/Sternrassler/offline-worker/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.FromEnv(cfg.LogLevel, cfg.LogPretty))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Offline worker failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	storage, err := buildStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	fetchCfg := fetch.DefaultConfig(origin)
	fetchCfg.Timeout = cfg.FetchTimeout
	client, err := fetch.New(fetchCfg)
	if err != nil {
		return fmt.Errorf("create origin client: %w", err)
	}

	reg := clients.NewRegistry()
	registration := worker.NewRegistration(reg)
	defer registration.Close()

	workerCfg, err := workerConfig(cfg)
	if err != nil {
		return err
	}
	w, err := worker.New(workerCfg, worker.Deps{Storage: storage, Origin: client, Clients: reg})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	if err := registration.Register(ctx, w); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(registration, reg, storage).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("origin", origin.String()).
			Str("store", cfg.Store).
			Str("static", workerCfg.Generation.Names.Static).
			Msg("Starting offline worker")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildStorage opens the configured store backend.
func buildStorage(ctx context.Context, cfg config.Config) (store.Storage, error) {
	switch cfg.Store {
	case config.StoreRedis:
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("Connected to Redis")
		return store.NewRedisStorage(redisClient, cfg.CachePrefix), nil
	case config.StoreSQLite:
		s, err := store.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.StoreMemory:
		return store.NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// workerConfig maps process configuration onto a worker.
func workerConfig(cfg config.Config) (worker.Config, error) {
	table, err := cfg.StrategyTable()
	if err != nil {
		return worker.Config{}, err
	}
	names := cfg.Names()

	strat := strategy.DefaultConfig(names)
	strat.Table = table
	strat.Rules = cfg.Rules()
	strat.OfflinePath = cfg.OfflinePath
	strat.NoStoreNavigation = cfg.NoStoreNavigation
	strat.VaryHeaders = cfg.VaryHeaders

	return worker.Config{
		Generation: generation.Config{
			Names:       names,
			Precache:    cfg.Precache,
			Concurrency: cfg.PrecacheConcurrency,
			Timeout:     cfg.FetchTimeout,
		},
		Strategy:          strat,
		QuestionsPath:     control.DefaultQuestionsPath,
		NavigationPreload: cfg.NavigationPreload,
	}, nil
}

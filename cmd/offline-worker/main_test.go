package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/offline-worker/pkg/classify"
	"github.com/Sternrassler/offline-worker/pkg/config"
	"github.com/Sternrassler/offline-worker/pkg/store"
	"github.com/Sternrassler/offline-worker/pkg/strategy"
)

func loadConfig(t *testing.T, environ map[string]string) config.Config {
	t.Helper()
	if _, ok := environ["OFFLINE_WORKER_ORIGIN"]; !ok {
		environ["OFFLINE_WORKER_ORIGIN"] = "http://localhost:3000"
	}
	cfg, err := config.LoadFrom(environ)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	return cfg
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		check   func(store.Storage) bool
	}{
		{
			name:    "memory",
			environ: map[string]string{},
			check: func(s store.Storage) bool {
				_, ok := s.(*store.MemoryStorage)
				return ok
			},
		},
		{
			name: "sqlite",
			environ: map[string]string{
				"OFFLINE_WORKER_STORE":       "sqlite",
				"OFFLINE_WORKER_SQLITE_PATH": filepath.Join(t.TempDir(), "cache.db"),
			},
			check: func(s store.Storage) bool {
				_, ok := s.(*store.SQLiteStorage)
				return ok
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, tt.environ)
			s, err := buildStorage(context.Background(), cfg)
			if err != nil {
				t.Fatalf("buildStorage() error = %v", err)
			}
			defer s.Close()

			if !tt.check(s) {
				t.Errorf("buildStorage() returned %T", s)
			}
		})
	}
}

func TestBuildStorage_RedisUnreachable(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"OFFLINE_WORKER_STORE":      "redis",
		"OFFLINE_WORKER_REDIS_ADDR": "127.0.0.1:1",
	})

	if _, err := buildStorage(context.Background(), cfg); err == nil {
		t.Error("expected connection error")
	}
}

func TestWorkerConfig(t *testing.T) {
	cfg := loadConfig(t, map[string]string{
		"OFFLINE_WORKER_CACHE_VERSION":       "v7",
		"OFFLINE_WORKER_STRATEGY_API":        "network-first",
		"OFFLINE_WORKER_NO_STORE_NAVIGATION": "true",
		"OFFLINE_WORKER_PRECACHE":            "/,/offline.html",
		"OFFLINE_WORKER_BINARY_EXTENSIONS":   ".png,.mp4",
	})

	wc, err := workerConfig(cfg)
	if err != nil {
		t.Fatalf("workerConfig() error = %v", err)
	}

	if wc.Generation.Names.Static != "dva-c02-trainer-static-v7" {
		t.Errorf("static role = %q", wc.Generation.Names.Static)
	}
	if len(wc.Generation.Precache) != 2 {
		t.Errorf("precache = %v", wc.Generation.Precache)
	}
	if wc.Strategy.Table[classify.API] != strategy.NameNetworkFirst {
		t.Errorf("API strategy = %q", wc.Strategy.Table[classify.API])
	}
	if wc.Strategy.Table[classify.StaticBinary] != strategy.NameCacheFirst {
		t.Errorf("static binary strategy = %q", wc.Strategy.Table[classify.StaticBinary])
	}
	if !wc.Strategy.NoStoreNavigation {
		t.Error("NoStoreNavigation not carried over")
	}
	if wc.QuestionsPath != "/questions-data" {
		t.Errorf("QuestionsPath = %q", wc.QuestionsPath)
	}

	video := httptest.NewRequest(http.MethodGet, "http://trainer.local/media/intro.mp4", nil)
	if got := classify.Classify(video, wc.Strategy.Rules); got != classify.StaticBinary {
		t.Errorf("configured binary extension classified as %s", got)
	}
	font := httptest.NewRequest(http.MethodGet, "http://trainer.local/fonts/inter.woff2", nil)
	if got := classify.Classify(font, wc.Strategy.Rules); got != classify.Other {
		t.Errorf("extension dropped from the list classified as %s", got)
	}
}

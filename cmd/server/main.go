// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mailroom — Ingestion and Notification Service
//
// Entry point for the mailroom service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Builds the classification backend (HTTP service or Anthropic)
//  4. Serves the mail ingest webhook and the live mail feed
//  5. Runs a periodic reclassification sweep for degraded items
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/config"
	"github.com/betaoffice/mailroom/internal/dedup"
	"github.com/betaoffice/mailroom/internal/dispatch"
	"github.com/betaoffice/mailroom/internal/hub"
	"github.com/betaoffice/mailroom/internal/ingest"
	"github.com/betaoffice/mailroom/internal/models"
	"github.com/betaoffice/mailroom/internal/reclassify"
	"github.com/betaoffice/mailroom/internal/session"
	"github.com/betaoffice/mailroom/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailroom service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"classifier_provider", cfg.Classifier.Provider,
		"cache_ttl", cfg.Classifier.CacheTTL,
		"reclassify_interval", cfg.ReclassifyInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Mail Store (Postgres) ---
	mailStore, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise mail store", "error", err)
		os.Exit(1)
	}

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Classifier ---
	cls, err := buildClassifier(ctx, cfg.Classifier)
	if err != nil {
		slog.Error("failed to build classifier", "error", err)
		os.Exit(1)
	}

	// --- Classification Cache ---
	cacheStore := classcache.NewRedisStore(rdb, cfg.Classifier.CacheTTL)
	cache := classcache.New(cacheStore)

	// --- Live Channels + Dispatcher ---
	liveHub := hub.New(cfg.PendingBuffer)
	dispatcher := dispatch.New(liveHub)
	// Once the last subscriber of a session is gone, its delivery
	// history is no longer needed.
	liveHub.OnSessionClosed = dispatcher.Forget

	// --- Session Token Verifier ---
	verifier := session.NewVerifier(cfg.SessionSecret)

	// --- Ingest Server ---
	handler := ingest.NewHandler(cls, cache, filter, mailStore, dispatcher, liveHub, verifier)
	ready, err := ingest.Serve(ctx, cfg.IngestPort, handler)
	if err != nil {
		slog.Error("failed to start ingest server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("ingest server ready", "port", cfg.IngestPort)

	// --- Reclassification Manager ---
	mgr := reclassify.NewManager(reclassify.ManagerConfig{
		Store:      mailStore,
		Cache:      cache,
		Classifier: cls,
		Publisher:  dispatcher,
		Interval:   cfg.ReclassifyInterval,
		BatchSize:  cfg.ReclassifyBatch,
	})
	mgr.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		mgr.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("mailroom service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailroom service stopped")
}

// buildClassifier constructs the configured classification backend.
func buildClassifier(ctx context.Context, cfg config.ClassifierConfig) (classifier.Client, error) {
	switch cfg.Provider {
	case "http":
		httpClient := http.DefaultClient
		if cfg.TokenURL != "" {
			creds := &clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
			}
			httpClient = creds.Client(ctx)
		}
		return classifier.NewHTTPClient(httpClient, cfg.BaseURL), nil

	case "anthropic":
		var labels []models.CategoryLabel
		for _, l := range cfg.Labels {
			labels = append(labels, models.CategoryLabel(l))
		}
		return classifier.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, labels), nil

	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}

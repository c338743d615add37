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

// Mailroom — Classification Backfill Command
//
// Standalone CLI tool that re-runs classification over stored mail items.
// By default it drains items flagged for reclassification; with --since it
// re-classifies everything created within the lookback window. Intended for
// recovering after extended classifier outages or after a label set change.
//
// Usage:
//
//	go run ./cmd/backfill/ [--since 168h] [--batch 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/betaoffice/mailroom/internal/backfill"
	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/config"
	"github.com/betaoffice/mailroom/internal/models"
	"github.com/betaoffice/mailroom/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	sinceFlag := flag.String("since", "", "Lookback duration (e.g. 168h); empty = flagged items only")
	batchFlag := flag.Int("batch", 50, "Items per store page")
	flag.Parse()

	var sinceDuration time.Duration
	if *sinceFlag != "" {
		d, err := time.ParseDuration(*sinceFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
			os.Exit(1)
		}
		sinceDuration = d
	}

	slog.Info("starting classification backfill",
		"since", sinceDuration,
		"batch", *batchFlag,
	)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Mail Store ---
	mailStore, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise mail store", "error", err)
		os.Exit(1)
	}

	// --- Classifier + Cache ---
	cls, err := buildClassifier(ctx, cfg.Classifier)
	if err != nil {
		slog.Error("failed to build classifier", "error", err)
		os.Exit(1)
	}
	cache := classcache.New(classcache.NewRedisStore(rdb, cfg.Classifier.CacheTTL))

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Store:      mailStore,
		Cache:      cache,
		Classifier: cls,
	})

	result, err := runner.Run(ctx, backfill.Request{
		Since:     sinceDuration,
		BatchSize: *batchFlag,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"scanned", result.Scanned,
		"reclassified", result.Reclassified,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
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

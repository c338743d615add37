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

// Package backfill re-runs classification over stored mail items. Intended
// for seeding the classification cache on new deployments and for re-labelling
// history after the classifier's label set changes.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/models"
)

// Request defines the scope of a backfill run.
type Request struct {
	Since     time.Duration // lookback window: re-classify items created within it; 0 = flagged items only
	BatchSize int           // page size per store query
}

// Result summarises a completed backfill run.
type Result struct {
	Scanned      int
	Reclassified int
	Errors       int
	Elapsed      time.Duration
}

// Store is the subset of the mail store the runner needs.
type Store interface {
	ListNeedsReclassify(ctx context.Context, limit int) ([]models.MailItem, error)
	ListCreatedBetween(ctx context.Context, after, before time.Time, limit int) ([]models.MailItem, error)
	SaveClassification(ctx context.Context, externalID string, meta *models.AiMetadata, version string) error
}

// Runner performs classification backfill.
type Runner struct {
	store      Store
	cache      *classcache.Cache
	classifier classifier.Client
	pageDelay  time.Duration // delay between batches to avoid hammering the classifier
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Store      Store
	Cache      *classcache.Cache
	Classifier classifier.Client
	PageDelay  time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		store:      cfg.Store,
		cache:      cfg.Cache,
		classifier: cfg.Classifier,
		pageDelay:  delay,
	}
}

// Run performs the backfill. With Since set it pages through items created
// inside the lookback window, oldest first; otherwise it drains the flagged
// set.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	batch := req.BatchSize
	if batch <= 0 {
		batch = 100
	}

	var (
		result = &Result{}
		cursor = time.Time{}
		before = time.Now().UTC()
	)
	if req.Since > 0 {
		cursor = before.Add(-req.Since)
	}

	for {
		var (
			items []models.MailItem
			err   error
		)
		if req.Since > 0 {
			items, err = r.store.ListCreatedBetween(ctx, cursor, before, batch)
		} else {
			items, err = r.store.ListNeedsReclassify(ctx, batch)
		}
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			break
		}

		progressed := false
		for _, item := range items {
			result.Scanned++
			if err := r.reclassify(ctx, item); err != nil {
				slog.Error("backfill classification failed",
					"external_id", item.ExternalID,
					"error", err,
				)
				result.Errors++
				continue
			}
			result.Reclassified++
			progressed = true
		}

		if req.Since > 0 {
			cursor = items[len(items)-1].CreatedAt
		} else if !progressed {
			// Flagged-mode batches only shrink as items are recovered; with
			// no progress we would re-read the same page forever.
			break
		}

		select {
		case <-ctx.Done():
			result.Elapsed = time.Since(start)
			return result, ctx.Err()
		case <-time.After(r.pageDelay):
		}
	}

	result.Elapsed = time.Since(start)
	slog.Info("backfill complete",
		"scanned", result.Scanned,
		"reclassified", result.Reclassified,
		"errors", result.Errors,
		"elapsed", result.Elapsed.Round(time.Millisecond),
	)
	return result, nil
}

func (r *Runner) reclassify(ctx context.Context, item models.MailItem) error {
	var title, sender string
	if item.Metadata != nil {
		title = item.Metadata.DocumentTitle
		sender = item.Metadata.SenderName
	}

	fingerprint := classcache.Fingerprint(title, sender)
	label, err := r.cache.GetOrCompute(ctx, fingerprint, func(flightCtx context.Context) (models.CategoryLabel, error) {
		return r.classifier.Classify(flightCtx, title, sender)
	})
	if err != nil {
		return err
	}

	meta := item.Metadata
	if meta == nil {
		meta = &models.AiMetadata{}
	}
	meta.Categories = []string{string(label)}
	item.Metadata = meta

	return r.store.SaveClassification(ctx, item.ExternalID, meta, item.Version())
}

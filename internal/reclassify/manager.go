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

// Package reclassify retries classification for items that were ingested
// while the classification service was unavailable. It runs a background
// loop that picks up flagged items, re-runs the cache-backed classification,
// and re-publishes items whose categories changed.
package reclassify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/models"
)

// DefaultBatchSize bounds how many flagged items one sweep processes.
const DefaultBatchSize = 50

// Store is the subset of the mail store the manager needs.
type Store interface {
	ListNeedsReclassify(ctx context.Context, limit int) ([]models.MailItem, error)
	SaveClassification(ctx context.Context, externalID string, meta *models.AiMetadata, version string) error
}

// Publisher pushes updated items to live session channels.
type Publisher interface {
	Publish(item models.MailItem)
}

// Manager runs the periodic reclassification sweep.
type Manager struct {
	store      Store
	cache      *classcache.Cache
	classifier classifier.Client
	publisher  Publisher
	interval   time.Duration
	batchSize  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig holds the configuration for the reclassification manager.
type ManagerConfig struct {
	Store      Store
	Cache      *classcache.Cache
	Classifier classifier.Client
	Publisher  Publisher
	Interval   time.Duration
	BatchSize  int
}

// NewManager creates a reclassification manager.
func NewManager(cfg ManagerConfig) *Manager {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	return &Manager{
		store:      cfg.Store,
		cache:      cfg.Cache,
		classifier: cfg.Classifier,
		publisher:  cfg.Publisher,
		interval:   cfg.Interval,
		batchSize:  batch,
	}
}

// Start launches the sweep loop in the background.
func (m *Manager) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)

	slog.Info("reclassification manager started", "interval", m.interval)
}

// Stop gracefully shuts down the sweep loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("reclassification manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.interval
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of flagged items. Exported so the backfill
// command can drive it directly.
func (m *Manager) Sweep(ctx context.Context) {
	items, err := m.store.ListNeedsReclassify(ctx, m.batchSize)
	if err != nil {
		slog.Error("failed to list items for reclassification", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	slog.Info("reclassifying items", "count", len(items))

	recovered := 0
	for _, item := range items {
		if err := m.reclassifyItem(ctx, item); err != nil {
			if errors.Is(err, classifier.ErrClassificationUnavailable) {
				// Service still down — the whole sweep would fail the same way.
				slog.Warn("classification service still unavailable, ending sweep")
				return
			}
			slog.Error("reclassification failed",
				"external_id", item.ExternalID,
				"error", err,
			)
			continue
		}
		recovered++
	}

	slog.Info("reclassification sweep complete",
		"recovered", recovered,
		"of", len(items),
	)
}

// reclassifyItem re-runs classification for one item and persists and
// re-publishes the result.
func (m *Manager) reclassifyItem(ctx context.Context, item models.MailItem) error {
	var title, sender string
	if item.Metadata != nil {
		title = item.Metadata.DocumentTitle
		sender = item.Metadata.SenderName
	}

	fingerprint := classcache.Fingerprint(title, sender)
	label, err := m.cache.GetOrCompute(ctx, fingerprint, func(flightCtx context.Context) (models.CategoryLabel, error) {
		return m.classifier.Classify(flightCtx, title, sender)
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

	if err := m.store.SaveClassification(ctx, item.ExternalID, meta, item.Version()); err != nil {
		return err
	}

	m.publisher.Publish(item)
	return nil
}

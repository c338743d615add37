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

package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/models"
)

type memEntryStore struct {
	mu      sync.Mutex
	entries map[string]models.CategoryLabel
}

func newMemEntryStore() *memEntryStore {
	return &memEntryStore{entries: make(map[string]models.CategoryLabel)}
}

func (s *memEntryStore) Get(_ context.Context, fp string) (models.CategoryLabel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	label, ok := s.entries[fp]
	return label, ok, nil
}

func (s *memEntryStore) Put(_ context.Context, fp string, label models.CategoryLabel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[fp] = label
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	history []models.MailItem // ordered by CreatedAt ascending
	flagged []models.MailItem
	saved   map[string]*models.AiMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]*models.AiMetadata)}
}

func (s *fakeStore) ListNeedsReclassify(_ context.Context, limit int) ([]models.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.flagged) > limit {
		return s.flagged[:limit], nil
	}
	return s.flagged, nil
}

func (s *fakeStore) ListCreatedBetween(_ context.Context, after, before time.Time, limit int) ([]models.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MailItem
	for _, item := range s.history {
		if item.CreatedAt.After(after) && item.CreatedAt.Before(before) {
			out = append(out, item)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) SaveClassification(_ context.Context, externalID string, meta *models.AiMetadata, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[externalID] = meta
	var kept []models.MailItem
	for _, item := range s.flagged {
		if item.ExternalID != externalID {
			kept = append(kept, item)
		}
	}
	s.flagged = kept
	return nil
}

type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Classify(ctx context.Context, title, sender string) (models.CategoryLabel, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return "invoice", nil
}

func historyItem(externalID string, age time.Duration) models.MailItem {
	return models.MailItem{
		ID:         "row-" + externalID,
		ExternalID: externalID,
		SessionID:  "sess-1",
		CreatedAt:  time.Now().UTC().Add(-age),
		Metadata: &models.AiMetadata{
			DocumentTitle: "Doc " + externalID,
			SenderName:    "Sender " + externalID,
		},
	}
}

// TestRun_WindowMode verifies paging through a lookback window re-classifies
// each item exactly once.
func TestRun_WindowMode(t *testing.T) {
	store := newFakeStore()
	for _, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, 24 * time.Hour} {
		store.history = append(store.history, historyItem(age.String(), age))
	}

	runner := NewRunner(RunnerConfig{
		Store:      store,
		Cache:      classcache.New(newMemEntryStore()),
		Classifier: &countingClassifier{},
		PageDelay:  time.Millisecond,
	})

	result, err := runner.Run(context.Background(), Request{Since: 100 * time.Hour, BatchSize: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Scanned != 3 {
		t.Errorf("scanned = %d, want 3", result.Scanned)
	}
	if result.Reclassified != 3 {
		t.Errorf("reclassified = %d, want 3", result.Reclassified)
	}

	store.mu.Lock()
	saved := len(store.saved)
	store.mu.Unlock()
	if saved != 3 {
		t.Errorf("saved %d classifications, want 3", saved)
	}
}

// TestRun_FlaggedMode verifies draining the flagged set.
func TestRun_FlaggedMode(t *testing.T) {
	store := newFakeStore()
	store.flagged = []models.MailItem{
		historyItem("ext-1", time.Hour),
		historyItem("ext-2", 2*time.Hour),
	}

	runner := NewRunner(RunnerConfig{
		Store:      store,
		Cache:      classcache.New(newMemEntryStore()),
		Classifier: &countingClassifier{},
		PageDelay:  time.Millisecond,
	})

	result, err := runner.Run(context.Background(), Request{BatchSize: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Reclassified != 2 {
		t.Errorf("reclassified = %d, want 2", result.Reclassified)
	}

	store.mu.Lock()
	remaining := len(store.flagged)
	store.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d items still flagged, want 0", remaining)
	}
}

// TestRun_EmptyWindow verifies a run over nothing returns cleanly.
func TestRun_EmptyWindow(t *testing.T) {
	runner := NewRunner(RunnerConfig{
		Store:      newFakeStore(),
		Cache:      classcache.New(newMemEntryStore()),
		Classifier: &countingClassifier{},
		PageDelay:  time.Millisecond,
	})

	result, err := runner.Run(context.Background(), Request{Since: time.Hour})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Scanned != 0 {
		t.Errorf("scanned = %d, want 0", result.Scanned)
	}
}

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

package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/betaoffice/mailroom/internal/models"
)

// fakeChannels records deliveries; refuse controls the no-subscriber case.
type fakeChannels struct {
	mu        sync.Mutex
	delivered []models.MailItem
	refuse    bool
}

func (f *fakeChannels) Deliver(item models.MailItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.delivered = append(f.delivered, item)
	return true
}

func (f *fakeChannels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func item(sessionID, externalID string, categories ...string) models.MailItem {
	m := models.MailItem{
		ExternalID: externalID,
		SessionID:  sessionID,
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if len(categories) > 0 {
		m.Metadata = &models.AiMetadata{Categories: categories}
	}
	return m
}

// TestPublish_DeliversOncePerVersion verifies re-publishing an unchanged item
// produces no second delivery.
func TestPublish_DeliversOncePerVersion(t *testing.T) {
	ch := &fakeChannels{}
	d := New(ch)

	d.Publish(item("sess-1", "ext-1"))
	d.Publish(item("sess-1", "ext-1"))
	d.Publish(item("sess-1", "ext-1"))

	if got := ch.count(); got != 1 {
		t.Errorf("delivered %d times, want 1", got)
	}
}

// TestPublish_NewVersionSupersedes verifies a changed item goes out again.
func TestPublish_NewVersionSupersedes(t *testing.T) {
	ch := &fakeChannels{}
	d := New(ch)

	d.Publish(item("sess-1", "ext-1"))
	d.Publish(item("sess-1", "ext-1", "invoice")) // classification attached
	d.Publish(item("sess-1", "ext-1", "invoice")) // unchanged again

	if got := ch.count(); got != 2 {
		t.Errorf("delivered %d times, want 2", got)
	}
}

// TestPublish_PerSessionIsolation verifies dedup state is partitioned by
// session.
func TestPublish_PerSessionIsolation(t *testing.T) {
	ch := &fakeChannels{}
	d := New(ch)

	d.Publish(item("sess-1", "ext-1"))
	d.Publish(item("sess-2", "ext-1"))

	if got := ch.count(); got != 2 {
		t.Errorf("delivered %d times, want 2 (one per session)", got)
	}
}

// TestPublish_RefusedDeliveryNotRecorded verifies an undeliverable item is
// not marked as seen, so it goes out once a subscriber appears.
func TestPublish_RefusedDeliveryNotRecorded(t *testing.T) {
	ch := &fakeChannels{refuse: true}
	d := New(ch)

	d.Publish(item("sess-1", "ext-1"))
	if got := ch.count(); got != 0 {
		t.Fatalf("delivered %d times while refused, want 0", got)
	}

	ch.mu.Lock()
	ch.refuse = false
	ch.mu.Unlock()

	d.Publish(item("sess-1", "ext-1"))
	if got := ch.count(); got != 1 {
		t.Errorf("delivered %d times after subscriber appeared, want 1", got)
	}
}

// TestForget clears per-session state so a returning session is re-sent
// current items.
func TestForget(t *testing.T) {
	ch := &fakeChannels{}
	d := New(ch)

	d.Publish(item("sess-1", "ext-1"))
	d.Forget("sess-1")
	d.Publish(item("sess-1", "ext-1"))

	if got := ch.count(); got != 2 {
		t.Errorf("delivered %d times, want 2 after Forget", got)
	}
}

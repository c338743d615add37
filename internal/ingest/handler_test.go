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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/dispatch"
	"github.com/betaoffice/mailroom/internal/hub"
	"github.com/betaoffice/mailroom/internal/models"
)

// --- fakes ---

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

func (s *memEntryStore) has(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[fp]
	return ok
}

// fakeClassifier records calls; block (if set) delays completion so tests can
// overlap concurrent ingestions.
type fakeClassifier struct {
	mu    sync.Mutex
	calls [][2]string
	label models.CategoryLabel
	err   error
	block chan struct{}
}

func (c *fakeClassifier) Classify(ctx context.Context, title, sender string) (models.CategoryLabel, error) {
	c.mu.Lock()
	c.calls = append(c.calls, [2]string{title, sender})
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if c.err != nil {
		return "", c.err
	}
	return c.label, nil
}

func (c *fakeClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeFilter struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeFilter() *fakeFilter {
	return &fakeFilter{seen: make(map[string]bool)}
}

func (f *fakeFilter) IsNew(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

type memMailStore struct {
	mu    sync.Mutex
	items map[string]models.MailItem
	flags map[string]bool
}

func newMemMailStore() *memMailStore {
	return &memMailStore{
		items: make(map[string]models.MailItem),
		flags: make(map[string]bool),
	}
}

func (s *memMailStore) Upsert(_ context.Context, item models.MailItem, needsReclassify bool) (models.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[item.ExternalID]; ok {
		item.ID = existing.ID
	} else {
		item.ID = uuid.NewString()
	}
	s.items[item.ExternalID] = item
	s.flags[item.ExternalID] = needsReclassify
	return item, nil
}

func (s *memMailStore) ListBySession(_ context.Context, sessionID string) ([]models.MailItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MailItem
	for _, item := range s.items {
		if item.SessionID == sessionID {
			out = append(out, item)
		}
	}
	return out, nil
}

type fakeVerifier struct{}

func (fakeVerifier) SessionID(token string) (string, error) {
	if !strings.HasPrefix(token, "valid:") {
		return "", errors.New("bad token")
	}
	return strings.TrimPrefix(token, "valid:"), nil
}

// fakeConn satisfies hub.Conn; reads block until close.
type fakeConn struct {
	mu        sync.Mutex
	written   []models.MailItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(models.MailItem))
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) items() []models.MailItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.MailItem, len(c.written))
	copy(out, c.written)
	return out
}

// --- wiring helper ---

type pipeline struct {
	handler    *Handler
	classifier *fakeClassifier
	entryStore *memEntryStore
	mailStore  *memMailStore
	hub        *hub.Hub
}

func newPipeline(cls *fakeClassifier) *pipeline {
	entries := newMemEntryStore()
	mailStore := newMemMailStore()
	liveHub := hub.New(0)
	dispatcher := dispatch.New(liveHub)
	liveHub.OnSessionClosed = dispatcher.Forget

	h := NewHandler(
		cls,
		classcache.New(entries),
		newFakeFilter(),
		mailStore,
		dispatcher,
		liveHub,
		fakeVerifier{},
	)
	return &pipeline{
		handler:    h,
		classifier: cls,
		entryStore: entries,
		mailStore:  mailStore,
		hub:        liveHub,
	}
}

func rawItem(id, sessionID, title, sender string) models.RawMailItem {
	return models.RawMailItem{
		ID:            id,
		SessionID:     sessionID,
		Sender:        sender,
		DocumentTitle: title,
		ReceivedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- HTTP surface ---

// TestServeIngest_ValidationToken verifies the provider probe flow.
func TestServeIngest_ValidationToken(t *testing.T) {
	p := newPipeline(&fakeClassifier{label: "invoice"})

	req := httptest.NewRequest(http.MethodPost, "/ingest/scanner?validationToken=probe-123", nil)
	rr := httptest.NewRecorder()
	p.handler.ServeIngest(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "probe-123" {
		t.Errorf("body = %q, want probe-123", rr.Body.String())
	}
}

// TestServeIngest_AcceptsBatch verifies a valid batch gets 202.
func TestServeIngest_AcceptsBatch(t *testing.T) {
	p := newPipeline(&fakeClassifier{label: "invoice"})

	body, _ := json.Marshal([]models.RawMailItem{rawItem("raw-1", "sess-1", "Invoice", "Acme")})
	req := httptest.NewRequest(http.MethodPost, "/ingest/scanner", strings.NewReader(string(body)))
	rr := httptest.NewRecorder()
	p.handler.ServeIngest(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
}

// TestServeIngest_InvalidJSON verifies bad payloads are not retried.
func TestServeIngest_InvalidJSON(t *testing.T) {
	p := newPipeline(&fakeClassifier{label: "invoice"})

	req := httptest.NewRequest(http.MethodPost, "/ingest/scanner", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	p.handler.ServeIngest(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
}

// TestServeMailList_RequiresToken verifies the snapshot endpoint is gated.
func TestServeMailList_RequiresToken(t *testing.T) {
	p := newPipeline(&fakeClassifier{label: "invoice"})

	req := httptest.NewRequest(http.MethodGet, "/api/mail", nil)
	rr := httptest.NewRecorder()
	p.handler.ServeMailList(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/mail?token=bogus", nil)
	rr = httptest.NewRecorder()
	p.handler.ServeMailList(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/mail?token=valid:sess-1", nil)
	rr = httptest.NewRecorder()
	p.handler.ServeMailList(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status with good token = %d, want 200", rr.Code)
	}
	var items []models.MailItem
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode mail list: %v", err)
	}
}

// --- pipeline scenarios ---

// TestPipeline_SingleItem verifies the end-to-end flow: classifier invoked
// once with the raw title and sender, cache populated, item delivered to the
// open subscriber with the category attached.
func TestPipeline_SingleItem(t *testing.T) {
	cls := &fakeClassifier{label: "invoice"}
	p := newPipeline(cls)

	sub := p.hub.Acquire("sess-1")
	conn := newFakeConn()
	if err := sub.Handle().Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	p.handler.ProcessItems(context.Background(), []models.RawMailItem{
		rawItem("raw-1", "sess-1", "", "Acme Corp"),
	})

	waitFor(t, func() bool { return len(conn.items()) == 1 })
	got := conn.items()[0]
	if got.ExternalID != "raw-1" {
		t.Errorf("external_id = %q, want raw-1", got.ExternalID)
	}
	if got.Metadata == nil || len(got.Metadata.Categories) != 1 || got.Metadata.Categories[0] != "invoice" {
		t.Errorf("categories = %+v, want [invoice]", got.Metadata)
	}

	if cls.callCount() != 1 {
		t.Errorf("classifier called %d times, want 1", cls.callCount())
	}
	cls.mu.Lock()
	call := cls.calls[0]
	cls.mu.Unlock()
	if call[0] != "" || call[1] != "Acme Corp" {
		t.Errorf("classify args = %v, want (\"\", \"Acme Corp\")", call)
	}

	if !p.entryStore.has(classcache.Fingerprint("", "Acme Corp")) {
		t.Error("classification cache not populated")
	}
}

// TestPipeline_ConcurrentSameFingerprint verifies two concurrent ingestions
// of the same document produce exactly one external classification call.
func TestPipeline_ConcurrentSameFingerprint(t *testing.T) {
	cls := &fakeClassifier{label: "invoice", block: make(chan struct{})}
	p := newPipeline(cls)

	var wg sync.WaitGroup
	for _, id := range []string{"raw-1", "raw-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.handler.ProcessItems(context.Background(), []models.RawMailItem{
				rawItem(id, "sess-1", "Invoice 42", "Acme Corp"),
			})
		}(id)
	}

	// Let both ingestions reach the classification stage, then release.
	waitFor(t, func() bool { return cls.callCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(cls.block)
	wg.Wait()

	if n := cls.callCount(); n != 1 {
		t.Errorf("classifier called %d times for one fingerprint, want 1", n)
	}
}

// TestPipeline_BufferedUntilOpen verifies items published while the channel
// is still connecting arrive once it opens, in publish order.
func TestPipeline_BufferedUntilOpen(t *testing.T) {
	cls := &fakeClassifier{label: "legal"}
	p := newPipeline(cls)

	sub := p.hub.Acquire("sess-1") // subscribed, not yet connected

	p.handler.ProcessItems(context.Background(), []models.RawMailItem{
		rawItem("raw-1", "sess-1", "Notice A", "Council"),
		rawItem("raw-2", "sess-1", "Notice B", "Council"),
		rawItem("raw-3", "sess-1", "Notice C", "Council"),
	})

	conn := newFakeConn()
	if err := sub.Handle().Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	waitFor(t, func() bool { return len(conn.items()) == 3 })
	got := conn.items()
	for i, want := range []string{"raw-1", "raw-2", "raw-3"} {
		if got[i].ExternalID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ExternalID, want)
		}
	}
}

// TestPipeline_RedeliveredItemSuppressed verifies the webhook redelivery
// path: same raw ID twice, one delivery, one classification.
func TestPipeline_RedeliveredItemSuppressed(t *testing.T) {
	cls := &fakeClassifier{label: "invoice"}
	p := newPipeline(cls)

	sub := p.hub.Acquire("sess-1")
	conn := newFakeConn()
	if err := sub.Handle().Attach(conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	batch := []models.RawMailItem{rawItem("raw-1", "sess-1", "Invoice", "Acme")}
	p.handler.ProcessItems(context.Background(), batch)
	p.handler.ProcessItems(context.Background(), batch)

	waitFor(t, func() bool { return len(conn.items()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(conn.items()); n != 1 {
		t.Errorf("delivered %d times, want 1", n)
	}
	if n := cls.callCount(); n != 1 {
		t.Errorf("classifier called %d times, want 1", n)
	}
}

// TestPipeline_ClassificationUnavailable verifies ingestion survives a
// classifier outage: the item is stored without categories and flagged.
func TestPipeline_ClassificationUnavailable(t *testing.T) {
	cls := &fakeClassifier{err: classifier.ErrClassificationUnavailable}
	p := newPipeline(cls)

	p.handler.ProcessItems(context.Background(), []models.RawMailItem{
		rawItem("raw-1", "sess-1", "Invoice", "Acme"),
	})

	p.mailStore.mu.Lock()
	stored, ok := p.mailStore.items["raw-1"]
	flagged := p.mailStore.flags["raw-1"]
	p.mailStore.mu.Unlock()

	if !ok {
		t.Fatal("item should be stored despite classification outage")
	}
	if stored.Metadata != nil && len(stored.Metadata.Categories) > 0 {
		t.Errorf("categories = %v, want absent", stored.Metadata.Categories)
	}
	if !flagged {
		t.Error("item should be flagged for reclassification")
	}
}

// TestPipeline_MalformedItemRejected verifies a bad record is dropped without
// touching the classifier or the store.
func TestPipeline_MalformedItemRejected(t *testing.T) {
	cls := &fakeClassifier{label: "invoice"}
	p := newPipeline(cls)

	p.handler.ProcessItems(context.Background(), []models.RawMailItem{
		{ID: "raw-1"}, // missing session and timestamps
	})

	if cls.callCount() != 0 {
		t.Errorf("classifier called %d times for malformed item, want 0", cls.callCount())
	}
	p.mailStore.mu.Lock()
	n := len(p.mailStore.items)
	p.mailStore.mu.Unlock()
	if n != 0 {
		t.Errorf("store holds %d items, want 0", n)
	}
}

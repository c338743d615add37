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

// Package ingest handles incoming mail webhooks from the scanning provider
// and the client-facing live channel endpoint. When the provider POSTs a
// batch of raw mail records, the handler validates, deduplicates, classifies
// (through the single-flight cache), normalizes, persists, and dispatches
// each item to the owning session's live channel.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/betaoffice/mailroom/internal/classcache"
	"github.com/betaoffice/mailroom/internal/classifier"
	"github.com/betaoffice/mailroom/internal/hub"
	"github.com/betaoffice/mailroom/internal/models"
	"github.com/betaoffice/mailroom/internal/normalize"
)

// MailStore is the subset of the mail store the handler needs.
type MailStore interface {
	Upsert(ctx context.Context, item models.MailItem, needsReclassify bool) (models.MailItem, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.MailItem, error)
}

// DedupFilter reports whether a raw item ID is being seen for the first time.
type DedupFilter interface {
	IsNew(ctx context.Context, rawID string) (bool, error)
}

// Publisher pushes stored items to live session channels.
type Publisher interface {
	Publish(item models.MailItem)
}

// SessionVerifier extracts the session id from a client token.
type SessionVerifier interface {
	SessionID(token string) (string, error)
}

// Handler processes ingest webhooks and live channel attachments.
type Handler struct {
	classifier classifier.Client
	cache      *classcache.Cache
	filter     DedupFilter
	store      MailStore
	publisher  Publisher
	hub        *hub.Hub
	verifier   SessionVerifier
	upgrader   websocket.Upgrader
}

// NewHandler creates an ingest handler.
func NewHandler(
	cls classifier.Client,
	cache *classcache.Cache,
	filter DedupFilter,
	store MailStore,
	publisher Publisher,
	h *hub.Hub,
	verifier SessionVerifier,
) *Handler {
	return &Handler{
		classifier: cls,
		cache:      cache,
		filter:     filter,
		store:      store,
		publisher:  publisher,
		hub:        h,
		verifier:   verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ServeIngest handles mail webhook requests from the scanning provider.
//
// Provider validation flow:
//   - When registering the endpoint, the provider sends a request with
//     ?validationToken=<token> and expects it echoed back in plain text.
//
// Normal flow:
//   - The provider POSTs a JSON array of raw mail items
//   - We respond 202 Accepted immediately
//   - Items are processed in the background
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	// Handle validation probe
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("ingest endpoint validation probe received")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read ingest body", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var items []models.RawMailItem
	if err := json.Unmarshal(body, &items); err != nil {
		slog.Info("ingest body not a valid item array, treating as probe",
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond immediately — the provider redelivers on slow responses
	w.WriteHeader(http.StatusAccepted)

	go h.ProcessItems(context.Background(), items)
}

// ProcessItems runs the pipeline for each raw item: validate, dedup,
// classify, normalize, persist, dispatch. Item-scoped failures are logged
// and skipped; nothing here terminates the process.
func (h *Handler) ProcessItems(ctx context.Context, items []models.RawMailItem) {
	for _, raw := range items {
		if err := raw.Validate(); err != nil {
			slog.Warn("rejecting malformed raw item", "error", err)
			continue
		}

		isNew, err := h.filter.IsNew(ctx, raw.ID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Debug("skipping redelivered raw item", "id", raw.ID)
			continue
		}

		fingerprint := classcache.Fingerprint(raw.DocumentTitle, raw.Sender)
		label, clsErr := h.cache.GetOrCompute(ctx, fingerprint, func(flightCtx context.Context) (models.CategoryLabel, error) {
			return h.classifier.Classify(flightCtx, raw.DocumentTitle, raw.Sender)
		})
		if clsErr != nil {
			if !errors.Is(clsErr, classifier.ErrClassificationUnavailable) {
				slog.Error("classification failed", "id", raw.ID, "error", clsErr)
			} else {
				slog.Warn("classification service unavailable, flagging for retry", "id", raw.ID)
			}
		}

		item, needsReclassify := normalize.Normalize(raw, label, clsErr)

		stored, err := h.store.Upsert(ctx, item, needsReclassify)
		if err != nil {
			slog.Error("persist mail item failed", "id", raw.ID, "error", err)
			continue
		}

		h.publisher.Publish(stored)
	}
}

// ServeMailFeed handles live channel attachment requests. The session
// identity comes from a signed token (query parameter or bearer header)
// issued by the web tier; after upgrade, the connection is bound to the
// session's channel handle and buffered notifications are flushed.
func (h *Handler) ServeMailFeed(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	sub := h.hub.Acquire(sessionID)
	handle := sub.Handle()
	if err := handle.Attach(conn); err != nil {
		// A transport is already bound to this session's handle.
		slog.Warn("refusing second transport for session", "session", sessionID)
		conn.Close()
		h.hub.Release(sub)
		return
	}

	// Release subscriber interest when the transport ends.
	go func() {
		<-handle.Done()
		h.hub.Release(sub)
	}()
}

// ServeMailList returns the session's stored mail items, newest first.
// The live channel carries deltas; this is the snapshot a client loads on
// connect.
func (h *Handler) ServeMailList(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	items, err := h.store.ListBySession(r.Context(), sessionID)
	if err != nil {
		slog.Error("list mail items failed", "session", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []models.MailItem{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(items); err != nil {
		slog.Error("encode mail list failed", "session", sessionID, "error", err)
	}
}

// authenticate extracts and verifies the session token, writing a 401 on
// failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		http.Error(w, "missing session token", http.StatusUnauthorized)
		return "", false
	}

	sessionID, err := h.verifier.SessionID(token)
	if err != nil {
		slog.Info("rejected session token", "error", err)
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return "", false
	}
	return sessionID, true
}

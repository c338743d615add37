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

// Package hub owns the live mail-notification channels. Each client session
// has at most one logical channel handle; the hub reuses a handle while it is
// healthy and replaces it on demand once it has closed. Consumers hold
// subscription tokens, never the handle's connection.
package hub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/betaoffice/mailroom/internal/models"
)

// ErrChannelUnavailable indicates the live transport for a session is down
// and the handle has been discarded. Recovery is reconnect-on-demand: the
// next Acquire for the session creates a fresh handle.
var ErrChannelUnavailable = errors.New("live channel unavailable")

// DefaultPendingBuffer bounds the per-handle queue of notifications
// accumulated while the channel is not yet open. Overflow drops the oldest
// item with a logged warning.
const DefaultPendingBuffer = 64

// Subscription is the token a consumer holds on a session's channel handle.
type Subscription struct {
	Token     uuid.UUID
	sessionID string
	handle    *Handle
}

// Handle returns the underlying channel handle. Exposed for attaching a
// transport; consumers must not retain it past Release.
func (s *Subscription) Handle() *Handle {
	return s.handle
}

// Hub is the per-session channel registry.
type Hub struct {
	mu            sync.Mutex
	handles       map[string]*Handle
	pendingBuffer int

	// OnSessionClosed is called when the last subscriber of a session
	// releases its subscription and the handle is discarded. Wired by main.go
	// to clear the dispatcher's delivery state.
	OnSessionClosed func(sessionID string)
}

// New creates a hub. A non-positive pendingBuffer means DefaultPendingBuffer.
func New(pendingBuffer int) *Hub {
	if pendingBuffer <= 0 {
		pendingBuffer = DefaultPendingBuffer
	}
	return &Hub{
		handles:       make(map[string]*Handle),
		pendingBuffer: pendingBuffer,
	}
}

// Acquire returns a subscription on the session's channel handle. The
// existing handle is reused while it is connecting or open; a closed handle
// is discarded and replaced with a fresh one in the connecting state. Acquire
// never returns a closed handle.
func (h *Hub) Acquire(sessionID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle := h.handles[sessionID]
	if handle == nil || handle.State() == StateClosed {
		if handle != nil {
			slog.Info("replacing closed channel handle", "session", sessionID)
		}
		handle = newHandle(sessionID, h.pendingBuffer)
		h.handles[sessionID] = handle
	}
	handle.refs++

	return &Subscription{
		Token:     uuid.New(),
		sessionID: sessionID,
		handle:    handle,
	}
}

// Release decrements subscriber interest in the session's handle. The handle
// is closed and discarded only when no subscribers remain.
func (h *Hub) Release(sub *Subscription) {
	if sub == nil || sub.handle == nil {
		return
	}

	h.mu.Lock()
	sub.handle.refs--
	last := sub.handle.refs <= 0
	if last && h.handles[sub.sessionID] == sub.handle {
		delete(h.handles, sub.sessionID)
	}
	h.mu.Unlock()

	if last {
		sub.handle.Close()
		if h.OnSessionClosed != nil {
			h.OnSessionClosed(sub.sessionID)
		}
		slog.Info("channel handle released", "session", sub.sessionID)
	}
	sub.handle = nil
}

// Deliver enqueues an item on the session's live handle. Returns false when
// the session has no subscribers (no handle, or only a closed one left
// behind) — the item is not buffered for sessions nobody is watching.
func (h *Hub) Deliver(item models.MailItem) bool {
	h.mu.Lock()
	handle := h.handles[item.SessionID]
	h.mu.Unlock()

	if handle == nil {
		return false
	}
	if err := handle.Enqueue(item); err != nil {
		slog.Debug("delivery to closed handle skipped",
			"session", item.SessionID,
			"external_id", item.ExternalID,
		)
		return false
	}
	return true
}

// Sessions returns the number of sessions with a live handle.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

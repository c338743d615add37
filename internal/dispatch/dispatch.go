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

// Package dispatch pushes canonical mail items to live session channels,
// at most once per (external_id, content version) per session. Re-ingesting
// an unchanged item is a no-op; a changed item supersedes the previous
// delivery and goes out again.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/betaoffice/mailroom/internal/models"
)

// Channels is the delivery surface the dispatcher publishes into.
// Implemented by hub.Hub.
type Channels interface {
	Deliver(item models.MailItem) bool
}

// Dispatcher tracks what each session has already been sent.
type Dispatcher struct {
	channels Channels

	mu        sync.Mutex
	delivered map[string]map[string]string // session -> external_id -> version
}

// New creates a dispatcher publishing into the given channels.
func New(channels Channels) *Dispatcher {
	return &Dispatcher{
		channels:  channels,
		delivered: make(map[string]map[string]string),
	}
}

// Publish delivers the item to the owning session's live channel in call
// order. A version already delivered to the session is skipped; a session
// with no live handle is skipped without recording a delivery, so the item
// goes out if the session connects and the item is re-published later.
func (d *Dispatcher) Publish(item models.MailItem) {
	version := item.Version()

	// Check, deliver, and record under one lock so concurrent publishes of
	// the same version cannot both go out. Deliver only enqueues — it does
	// not block on the transport.
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.delivered[item.SessionID][item.ExternalID] == version {
		slog.Debug("suppressing duplicate notification",
			"session", item.SessionID,
			"external_id", item.ExternalID,
		)
		return
	}

	if !d.channels.Deliver(item) {
		slog.Debug("no live subscriber for session",
			"session", item.SessionID,
			"external_id", item.ExternalID,
		)
		return
	}

	if d.delivered[item.SessionID] == nil {
		d.delivered[item.SessionID] = make(map[string]string)
	}
	d.delivered[item.SessionID][item.ExternalID] = version

	slog.Info("mail notification dispatched",
		"session", item.SessionID,
		"external_id", item.ExternalID,
	)
}

// Forget clears the delivery state for a session. Wired to the hub's
// session-closed callback so the map does not grow with dead sessions.
func (d *Dispatcher) Forget(sessionID string) {
	d.mu.Lock()
	delete(d.delivered, sessionID)
	d.mu.Unlock()
}

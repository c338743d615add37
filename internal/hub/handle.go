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

package hub

import (
	"log/slog"
	"sync"

	"github.com/betaoffice/mailroom/internal/models"
)

// State is the connectivity state of a channel handle.
type State int

const (
	// StateConnecting means the handle exists but no transport is attached
	// yet. Deliveries are buffered.
	StateConnecting State = iota
	// StateOpen means a transport is attached and the write pump is running.
	StateOpen
	// StateClosed means the transport failed or the last subscriber left.
	// A closed handle is never reused — Acquire replaces it.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the transport a handle writes notifications to. Satisfied by
// *websocket.Conn; tests substitute a fake.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Handle owns one logical live channel for a session. It is owned exclusively
// by the hub; consumers interact through subscription tokens.
type Handle struct {
	sessionID  string
	maxPending int

	mu      sync.Mutex
	state   State
	pending []models.MailItem
	conn    Conn
	refs    int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(sessionID string, maxPending int) *Handle {
	return &Handle{
		sessionID:  sessionID,
		maxPending: maxPending,
		state:      StateConnecting,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Done is closed when the handle reaches the closed state. Used by the
// WebSocket endpoint to release its subscription when the transport ends.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current connectivity state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID returns the owning session's identity.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Enqueue appends an item to the handle's outbound queue in FIFO order.
// While the handle is connecting, items accumulate in the bounded pending
// buffer; when it is open, the write pump drains them to the transport.
// A full buffer drops the oldest item with a warning.
func (h *Handle) Enqueue(item models.MailItem) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return ErrChannelUnavailable
	}
	if len(h.pending) >= h.maxPending {
		dropped := h.pending[0]
		h.pending = h.pending[1:]
		slog.Warn("pending notification buffer full, dropping oldest",
			"session", h.sessionID,
			"dropped_external_id", dropped.ExternalID,
		)
	}
	h.pending = append(h.pending, item)
	h.mu.Unlock()

	// Coalesced wake-up — the pump drains everything it finds.
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

// Attach binds a transport to the handle, transitions connecting → open,
// flushes any buffered notifications in original order, and runs the read
// and write pumps until the transport fails or the handle is closed.
func (h *Handle) Attach(conn Conn) error {
	h.mu.Lock()
	if h.state == StateClosed {
		h.mu.Unlock()
		return ErrChannelUnavailable
	}
	if h.conn != nil {
		// One transport per logical channel — the newcomer replaces nothing.
		h.mu.Unlock()
		return ErrChannelUnavailable
	}
	h.conn = conn
	h.state = StateOpen
	h.mu.Unlock()

	slog.Info("live channel open", "session", h.sessionID)

	go h.readPump(conn)
	go h.writePump(conn)

	// Flush anything buffered while connecting.
	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close transitions the handle to closed and shuts the transport down.
// Idempotent.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = StateClosed
		conn := h.conn
		h.mu.Unlock()

		close(h.done)
		if conn != nil {
			conn.Close()
		}
	})
}

// writePump drains the pending queue to the transport, preserving enqueue
// order. A write failure closes the handle; recovery is reconnect-on-demand.
func (h *Handle) writePump(conn Conn) {
	for {
		select {
		case <-h.done:
			return
		case <-h.notify:
			for {
				h.mu.Lock()
				if h.state != StateOpen || len(h.pending) == 0 {
					h.mu.Unlock()
					break
				}
				item := h.pending[0]
				h.pending = h.pending[1:]
				h.mu.Unlock()

				if err := conn.WriteJSON(item); err != nil {
					slog.Warn("live channel write failed, closing handle",
						"session", h.sessionID,
						"error", err,
					)
					h.Close()
					return
				}
			}
		}
	}
}

// readPump consumes (and discards) inbound frames so transport-level close
// and error conditions surface promptly.
func (h *Handle) readPump(conn Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case <-h.done:
				// Already closed — a read error after Close is expected.
			default:
				slog.Info("live channel closed by peer",
					"session", h.sessionID,
					"error", err,
				)
			}
			h.Close()
			return
		}
	}
}

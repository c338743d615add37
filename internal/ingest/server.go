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
	"fmt"
	"log/slog"
	"net"
	"net/http"
)

// Serve starts the ingest HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned
// channel before starting to accept connections — the webhook endpoint must
// be reachable before the provider registration runs.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	// Provider webhook — catch-all so per-source suffixes route here.
	mux.HandleFunc("/ingest/", handler.ServeIngest)

	// Client-facing live channel and snapshot endpoints.
	mux.HandleFunc("/ws/mail", handler.ServeMailFeed)
	mux.HandleFunc("/api/mail", handler.ServeMailList)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind ingest port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("ingest server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("ingest server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("ingest server error", "error", err)
		}
	}()

	return ready, nil
}

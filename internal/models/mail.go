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

// Package models defines the data structures shared across the mailroom service.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedRawItem is returned when a producer-supplied mail record is
// missing required fields or carries an inconsistent timestamp pair.
// Malformed records are rejected at the ingestion boundary, never
// partially ingested.
var ErrMalformedRawItem = errors.New("malformed raw mail item")

// CategoryLabel is the classification result for a mail document.
type CategoryLabel string

// RawMailItem is a producer-supplied mail record before classification.
//
// This struct's JSON serialisation matches what the scanning provider POSTs
// to the ingest webhook, one array of items per request.
type RawMailItem struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Sender           string    `json:"sender"`
	Category         string    `json:"category,omitempty"`
	DocumentTitle    string    `json:"document_title,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	FileName         string    `json:"file_name,omitempty"`
	FileURL          string    `json:"file_url,omitempty"`
	EnvelopeFrontURL string    `json:"envelope_front_url,omitempty"`
	EnvelopeBackURL  string    `json:"envelope_back_url,omitempty"`
}

// Validate checks the invariants the pipeline depends on: a non-empty
// identifier, a non-empty owning session, and receipt ≤ expiry.
func (r *RawMailItem) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRawItem)
	}
	if r.SessionID == "" {
		return fmt.Errorf("%w: missing session_id for item %s", ErrMalformedRawItem, r.ID)
	}
	if r.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: missing received_at for item %s", ErrMalformedRawItem, r.ID)
	}
	if !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(r.ReceivedAt) {
		return fmt.Errorf("%w: expires_at precedes received_at for item %s", ErrMalformedRawItem, r.ID)
	}
	return nil
}

// KeyValue is one extracted document field. Order is meaningful — pairs are
// kept in the sequence the classifier extracted them.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AiMetadata is the optional enrichment attached to a mail item by the
// classification service. Every field is optional; absence means "not yet
// classified" or "classification declined", not an error.
type AiMetadata struct {
	SenderName      string     `json:"sender_name,omitempty"`
	DocumentTitle   string     `json:"document_title,omitempty"`
	ReferenceNumber string     `json:"reference_number,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	Industry        string     `json:"industry,omitempty"`
	Categories      []string   `json:"categories,omitempty"`
	SubCategories   []string   `json:"sub_categories,omitempty"`
	KeyInformation  []KeyValue `json:"key_information,omitempty"`
}

// MailItem is the canonical, post-normalization mail record delivered to
// subscribers and persisted in the mail store.
//
// ExternalID is the stable producer-visible identifier and the join key for
// notification dedup: if two ingested records share an ExternalID, the later
// one supersedes the earlier one in any subscriber's view. ID is the internal
// row key and is never exposed to the producer.
type MailItem struct {
	ID               string      `json:"id"`
	ExternalID       string      `json:"external_id"`
	SessionID        string      `json:"session_id"`
	FileName         string      `json:"file_name,omitempty"`
	FileURL          string      `json:"file_url,omitempty"`
	EnvelopeFrontURL string      `json:"envelope_front_url,omitempty"`
	EnvelopeBackURL  string      `json:"envelope_back_url,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	Metadata         *AiMetadata `json:"ai_metadata,omitempty"`
}

// versionFields is the externally visible subset that participates in the
// content version. The internal ID is excluded so a redelivered, unchanged
// scan hashes to the same version and is not re-delivered.
type versionFields struct {
	ExternalID       string      `json:"external_id"`
	FileName         string      `json:"file_name,omitempty"`
	FileURL          string      `json:"file_url,omitempty"`
	EnvelopeFrontURL string      `json:"envelope_front_url,omitempty"`
	EnvelopeBackURL  string      `json:"envelope_back_url,omitempty"`
	Metadata         *AiMetadata `json:"ai_metadata,omitempty"`
}

// Version returns the content version of the item: a hex SHA-256 over the
// canonical JSON of the externally visible fields. The dispatcher delivers at
// most one notification per (ExternalID, Version) pair per subscriber.
func (m *MailItem) Version() string {
	b, err := json.Marshal(versionFields{
		ExternalID:       m.ExternalID,
		FileName:         m.FileName,
		FileURL:          m.FileURL,
		EnvelopeFrontURL: m.EnvelopeFrontURL,
		EnvelopeBackURL:  m.EnvelopeBackURL,
		Metadata:         m.Metadata,
	})
	if err != nil {
		// Marshal of plain structs cannot fail; keep the signature simple.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

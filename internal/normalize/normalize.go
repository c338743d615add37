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

// Package normalize converts raw producer records plus their classification
// outcome into canonical MailItem records.
package normalize

import (
	"strings"

	"github.com/betaoffice/mailroom/internal/models"
)

// Normalize builds the canonical MailItem for a validated raw record.
//
// It is total: every classification outcome produces an item. When the
// classification service was unavailable (clsErr != nil) the item is emitted
// with no categories and needsReclassify is true so the caller can flag it
// for a later retry. The input is never mutated.
//
// The internal row ID is left empty — the mail store assigns it on upsert.
func Normalize(raw models.RawMailItem, label models.CategoryLabel, clsErr error) (item models.MailItem, needsReclassify bool) {
	item = models.MailItem{
		ExternalID:       raw.ID,
		SessionID:        raw.SessionID,
		FileName:         raw.FileName,
		FileURL:          raw.FileURL,
		EnvelopeFrontURL: raw.EnvelopeFrontURL,
		EnvelopeBackURL:  raw.EnvelopeBackURL,
		CreatedAt:        raw.ReceivedAt.UTC(),
	}

	meta := models.AiMetadata{
		SenderName:    strings.TrimSpace(raw.Sender),
		DocumentTitle: strings.TrimSpace(raw.DocumentTitle),
		Summary:       strings.TrimSpace(raw.Summary),
	}

	if clsErr != nil {
		needsReclassify = true
	} else if label != "" {
		meta.Categories = []string{string(label)}
	}

	// Attach metadata only when it carries something; an all-empty AiMetadata
	// means "not yet classified" and is represented by absence.
	if meta.SenderName != "" || meta.DocumentTitle != "" || meta.Summary != "" || len(meta.Categories) > 0 {
		item.Metadata = &meta
	}

	return item, needsReclassify
}

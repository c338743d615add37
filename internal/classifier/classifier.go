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

// Package classifier provides clients for the external mail classification
// service. Two backends are supported: a plain HTTP classification endpoint
// protected by OAuth2 client credentials, and an Anthropic-backed LLM
// classifier. Both map a (document title, sender name) pair to a category
// label. Classification failure is never fatal to ingestion — callers fall
// back to the uncategorized label and flag the item for re-classification.
package classifier

import (
	"context"
	"errors"

	"github.com/betaoffice/mailroom/internal/models"
)

// FallbackLabel is returned when the inputs give the classifier nothing to
// work with, or when an LLM response cannot be mapped onto the label set.
const FallbackLabel models.CategoryLabel = "uncategorized"

// ErrClassificationUnavailable indicates the external classification service
// is unreachable or returned an error. Callers must not treat this as fatal
// to ingestion.
var ErrClassificationUnavailable = errors.New("classification service unavailable")

// Client classifies a mail document by its title and sender.
//
// Empty title and sender are legal — they mean "unknown inputs", and the
// client still returns a deterministic label rather than failing.
type Client interface {
	Classify(ctx context.Context, documentTitle, senderName string) (models.CategoryLabel, error)
}

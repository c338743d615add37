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

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/betaoffice/mailroom/internal/models"
)

// HTTPClient calls a classification endpoint over HTTPS. The http.Client must
// already handle authentication (e.g. via an oauth2 clientcredentials
// transport built in main).
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a classifier backed by the given classification
// service base URL.
func NewHTTPClient(httpClient *http.Client, baseURL string) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type classifyRequest struct {
	DocumentTitle string `json:"document_title"`
	SenderName    string `json:"sender_name"`
}

type classifyResponse struct {
	Category string `json:"category"`
}

// Classify POSTs the title and sender to the classification service and
// returns the resulting label. Transport errors and non-2xx responses are
// reported as ErrClassificationUnavailable so the caller can fall back.
func (c *HTTPClient) Classify(ctx context.Context, documentTitle, senderName string) (models.CategoryLabel, error) {
	body, err := json.Marshal(classifyRequest{
		DocumentTitle: documentTitle,
		SenderName:    senderName,
	})
	if err != nil {
		return "", fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: classification service returned HTTP %d", ErrClassificationUnavailable, resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode classify response: %v", ErrClassificationUnavailable, err)
	}

	label := models.CategoryLabel(strings.TrimSpace(result.Category))
	if label == "" {
		return FallbackLabel, nil
	}
	return label, nil
}

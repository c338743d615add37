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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/betaoffice/mailroom/internal/models"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-sonnet-4-5-20250929"

// DefaultLabels is the category set offered to the model when the config
// does not override it.
var DefaultLabels = []models.CategoryLabel{
	"invoice",
	"bank_statement",
	"government",
	"legal",
	"marketing",
	FallbackLabel,
}

// AnthropicClient classifies mail via the Anthropic Messages API. The model
// is constrained to answer with exactly one label from the configured set;
// anything else maps to FallbackLabel.
type AnthropicClient struct {
	client anthropic.Client
	model  string
	labels []models.CategoryLabel
}

// NewAnthropicClient creates an LLM-backed classifier.
func NewAnthropicClient(apiKey, model string, labels []models.CategoryLabel) *AnthropicClient {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if len(labels) == 0 {
		labels = DefaultLabels
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		labels: labels,
	}
}

// Classify asks the model for a single category label. API errors are
// reported as ErrClassificationUnavailable.
func (c *AnthropicClient) Classify(ctx context.Context, documentTitle, senderName string) (models.CategoryLabel, error) {
	var labelList strings.Builder
	for _, l := range c.labels {
		labelList.WriteString(string(l))
		labelList.WriteString("\n")
	}

	systemPrompt := fmt.Sprintf(
		"You classify scanned postal mail for a virtual office. "+
			"Answer with exactly one label from this list and nothing else:\n%s",
		labelList.String(),
	)
	userPrompt := fmt.Sprintf("Document title: %q\nSender name: %q", documentTitle, senderName)

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 16,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClassificationUnavailable, err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			return c.mapLabel(block.Text), nil
		}
	}
	return "", fmt.Errorf("%w: no text content in model response", ErrClassificationUnavailable)
}

// mapLabel normalises the model's answer onto the configured label set.
func (c *AnthropicClient) mapLabel(raw string) models.CategoryLabel {
	answer := strings.ToLower(strings.TrimSpace(raw))
	for _, l := range c.labels {
		if answer == strings.ToLower(string(l)) {
			return l
		}
	}
	slog.Debug("model answer outside label set, using fallback", "answer", answer)
	return FallbackLabel
}

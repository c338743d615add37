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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassifierConfig selects and configures the classification backend.
type ClassifierConfig struct {
	Provider string // "http" or "anthropic"

	// HTTP provider — OAuth2 client-credentials protected endpoint.
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Anthropic provider.
	AnthropicAPIKey string
	AnthropicModel  string
	Labels          []string

	CacheTTL time.Duration
}

// Config holds all configuration for the mailroom service.
type Config struct {
	Classifier ClassifierConfig

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL string

	// Session token verification
	SessionSecret string

	// Live channel
	PendingBuffer int

	// Reclassification loop
	ReclassifyInterval time.Duration
	ReclassifyBatch    int

	// Servers
	IngestPort int
	Port       int // health check
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Classifier struct {
		Provider     string   `yaml:"provider"`
		BaseURL      string   `yaml:"base_url"`
		TokenURL     string   `yaml:"token_url"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		APIKey       string   `yaml:"api_key"`
		Model        string   `yaml:"model"`
		Labels       []string `yaml:"labels"`
		CacheTTL     string   `yaml:"cache_ttl"`
	} `yaml:"classifier"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Session struct {
		Secret string `yaml:"secret"`
	} `yaml:"session"`
	Hub struct {
		PendingBuffer int `yaml:"pending_buffer"`
	} `yaml:"hub"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cacheTTL := 24 * time.Hour
	if raw.Classifier.CacheTTL != "" {
		d, err := time.ParseDuration(raw.Classifier.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid classifier.cache_ttl %q: %w", raw.Classifier.CacheTTL, err)
		}
		cacheTTL = d
	}

	cfg := &Config{
		Classifier: ClassifierConfig{
			Provider:        strings.ToLower(firstNonEmpty(raw.Classifier.Provider, "http")),
			BaseURL:         raw.Classifier.BaseURL,
			TokenURL:        raw.Classifier.TokenURL,
			ClientID:        raw.Classifier.ClientID,
			ClientSecret:    raw.Classifier.ClientSecret,
			AnthropicAPIKey: firstNonEmpty(raw.Classifier.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			AnthropicModel:  raw.Classifier.Model,
			Labels:          raw.Classifier.Labels,
			CacheTTL:        cacheTTL,
		},
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/mailroom")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		SessionSecret:      firstNonEmpty(raw.Session.Secret, os.Getenv("SESSION_SECRET")),
		PendingBuffer:      raw.Hub.PendingBuffer,
		ReclassifyInterval: envOrDefaultDuration("RECLASSIFY_INTERVAL", 5*time.Minute),
		ReclassifyBatch:    envOrDefaultInt("RECLASSIFY_BATCH", 50),
		IngestPort:         envOrDefaultInt("INGEST_PORT", 8081),
		Port:               envOrDefaultInt("PORT", 8080),
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("session secret is required — set session.secret or SESSION_SECRET")
	}

	switch cfg.Classifier.Provider {
	case "http":
		if cfg.Classifier.BaseURL == "" {
			return nil, fmt.Errorf("classifier.base_url is required for the http provider")
		}
	case "anthropic":
		if cfg.Classifier.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("classifier.api_key is required for the anthropic provider")
		}
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Classifier.Provider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

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

// Package classcache memoizes classification results keyed by a content
// fingerprint, so repeated ingestion of the same physical mail item never
// re-invokes the classification service. Concurrent requests for the same
// fingerprint collapse into one underlying computation (singleflight); the
// entry store is Redis with a TTL, shared across all sessions.
//
// Fingerprint collisions between genuinely different documents are an
// accepted risk of the normalization scheme and are not detected.
package classcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/betaoffice/mailroom/internal/models"
)

const (
	// DefaultTTL is how long a computed label stays cached. Re-scans of the
	// same physical document arrive within hours, so 24h covers them while
	// still letting classifier improvements reach old fingerprints.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces cache keys in Redis.
	keyPrefix = "mailroom:class:"
)

// Fingerprint derives the dedup key for a document from its title and sender,
// case-folded and whitespace-trimmed, joined by a unit separator so
// ("ab","c") and ("a","bc") hash differently.
func Fingerprint(documentTitle, senderName string) string {
	t := strings.ToLower(strings.TrimSpace(documentTitle))
	s := strings.ToLower(strings.TrimSpace(senderName))
	sum := sha256.Sum256([]byte(t + "\x1f" + s))
	return hex.EncodeToString(sum[:])
}

// EntryStore persists computed labels. Implemented by RedisStore; tests use
// an in-memory fake.
type EntryStore interface {
	Get(ctx context.Context, fingerprint string) (models.CategoryLabel, bool, error)
	Put(ctx context.Context, fingerprint string, label models.CategoryLabel) error
}

// RedisStore is the production entry store: one string key per fingerprint
// with a TTL. Eviction is the TTL — a new classification overwrites, it
// never merges.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed entry store. A non-positive ttl means
// DefaultTTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (models.CategoryLabel, bool, error) {
	val, err := s.rdb.Get(ctx, keyPrefix+fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache GET: %w", err)
	}
	return models.CategoryLabel(val), true, nil
}

func (s *RedisStore) Put(ctx context.Context, fingerprint string, label models.CategoryLabel) error {
	if err := s.rdb.Set(ctx, keyPrefix+fingerprint, string(label), s.ttl).Err(); err != nil {
		return fmt.Errorf("cache SET: %w", err)
	}
	return nil
}

// Cache provides the single-flight getOrCompute discipline on top of an
// entry store.
type Cache struct {
	store EntryStore
	group singleflight.Group
}

// New creates a classification cache.
func New(store EntryStore) *Cache {
	return &Cache{store: store}
}

// GetOrCompute returns the cached label for fingerprint, or invokes compute
// exactly once even under concurrent callers for the same fingerprint.
//
// The computation runs on a context detached from the caller's cancellation:
// if a session ends mid-flight, the result is still computed and cached for
// other sessions. A failed compute is not cached — the next caller retries.
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint string, compute func(ctx context.Context) (models.CategoryLabel, error)) (models.CategoryLabel, error) {
	if label, ok, err := c.store.Get(ctx, fingerprint); err != nil {
		// Degrade to computing — a cache outage must not block ingestion.
		slog.Warn("classification cache read failed, computing", "error", err)
	} else if ok {
		return label, nil
	}

	v, err, shared := c.group.Do(fingerprint, func() (interface{}, error) {
		flightCtx := context.WithoutCancel(ctx)

		// Another caller may have populated the store between our miss and
		// winning the flight.
		if label, ok, err := c.store.Get(flightCtx, fingerprint); err == nil && ok {
			return label, nil
		}

		label, err := compute(flightCtx)
		if err != nil {
			return nil, err
		}

		if err := c.store.Put(flightCtx, fingerprint, label); err != nil {
			slog.Warn("classification cache write failed", "fingerprint", fingerprint, "error", err)
		}
		return label, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		slog.Debug("classification shared across concurrent callers", "fingerprint", fingerprint)
	}
	return v.(models.CategoryLabel), nil
}

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

// Package store provides a Postgres-backed store for canonical mail items.
// Records are keyed by external_id: a later ingestion of the same external_id
// supersedes the earlier one while keeping the internal row id stable.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/betaoffice/mailroom/internal/models"
)

// Store provides CRUD operations for mail items in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a mail store backed by the given Postgres pool.
// It ensures the mail_items table exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mail schema: %w", err)
	}
	slog.Info("mail store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mail_items (
			id                 UUID PRIMARY KEY,
			external_id        TEXT NOT NULL UNIQUE,
			session_id         TEXT NOT NULL,
			file_name          TEXT DEFAULT '',
			file_url           TEXT DEFAULT '',
			envelope_front_url TEXT DEFAULT '',
			envelope_back_url  TEXT DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL,
			metadata           JSONB,
			version            TEXT NOT NULL,
			needs_reclassify   BOOLEAN DEFAULT FALSE,
			ingested_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_mail_session ON mail_items(session_id);
		CREATE INDEX IF NOT EXISTS idx_mail_reclassify ON mail_items(needs_reclassify) WHERE needs_reclassify;
	`)
	return err
}

// Upsert inserts or supersedes a mail item keyed on external_id. The internal
// row id is assigned here on first insert and preserved on supersede. The
// stored item (with id and version filled in) is returned.
func (s *Store) Upsert(ctx context.Context, item models.MailItem, needsReclassify bool) (models.MailItem, error) {
	metaJSON, err := marshalMetadata(item.Metadata)
	if err != nil {
		return models.MailItem{}, err
	}

	version := item.Version()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO mail_items
			(id, external_id, session_id, file_name, file_url,
			 envelope_front_url, envelope_back_url, created_at,
			 metadata, version, needs_reclassify)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_id) DO UPDATE SET
			session_id         = EXCLUDED.session_id,
			file_name          = EXCLUDED.file_name,
			file_url           = EXCLUDED.file_url,
			envelope_front_url = EXCLUDED.envelope_front_url,
			envelope_back_url  = EXCLUDED.envelope_back_url,
			metadata           = EXCLUDED.metadata,
			version            = EXCLUDED.version,
			needs_reclassify   = EXCLUDED.needs_reclassify,
			updated_at         = NOW()
		RETURNING id
	`, uuid.New(), item.ExternalID, item.SessionID, item.FileName, item.FileURL,
		item.EnvelopeFrontURL, item.EnvelopeBackURL, item.CreatedAt,
		metaJSON, version, needsReclassify)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		return models.MailItem{}, fmt.Errorf("upsert mail item %s: %w", item.ExternalID, err)
	}

	item.ID = id.String()
	return item, nil
}

// Get retrieves a single mail item by external id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, externalID string) (*models.MailItem, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, external_id, session_id, file_name, file_url,
		       envelope_front_url, envelope_back_url, created_at, metadata
		FROM mail_items
		WHERE external_id = $1
	`, externalID)
	return scanItem(row)
}

// ListBySession returns all mail items for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]models.MailItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, session_id, file_name, file_url,
		       envelope_front_url, envelope_back_url, created_at, metadata
		FROM mail_items
		WHERE session_id = $1
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListNeedsReclassify returns items flagged for re-classification, oldest
// first, up to limit.
func (s *Store) ListNeedsReclassify(ctx context.Context, limit int) ([]models.MailItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, session_id, file_name, file_url,
		       envelope_front_url, envelope_back_url, created_at, metadata
		FROM mail_items
		WHERE needs_reclassify
		ORDER BY ingested_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListCreatedBetween returns items with after < created_at < before, oldest
// first. The backfill command pages through history by advancing `after` to
// the last item's creation time.
func (s *Store) ListCreatedBetween(ctx context.Context, after, before time.Time, limit int) ([]models.MailItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, session_id, file_name, file_url,
		       envelope_front_url, envelope_back_url, created_at, metadata
		FROM mail_items
		WHERE created_at > $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, after, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// SaveClassification writes re-computed metadata for an item and clears the
// reclassify flag.
func (s *Store) SaveClassification(ctx context.Context, externalID string, meta *models.AiMetadata, version string) error {
	metaJSON, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE mail_items
		SET metadata = $1, version = $2, needs_reclassify = FALSE, updated_at = NOW()
		WHERE external_id = $3
	`, metaJSON, version, externalID)
	return err
}

// Delete removes a mail item record.
func (s *Store) Delete(ctx context.Context, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mail_items WHERE external_id = $1
	`, externalID)
	return err
}

func marshalMetadata(meta *models.AiMetadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal ai metadata: %w", err)
	}
	return b, nil
}

// scanItem scans a single row into a MailItem.
func scanItem(row pgx.Row) (*models.MailItem, error) {
	var (
		m        models.MailItem
		id       uuid.UUID
		metaJSON []byte
	)
	err := row.Scan(
		&id, &m.ExternalID, &m.SessionID, &m.FileName, &m.FileURL,
		&m.EnvelopeFrontURL, &m.EnvelopeBackURL, &m.CreatedAt, &metaJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ID = id.String()
	if len(metaJSON) > 0 {
		var meta models.AiMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal ai metadata for %s: %w", m.ExternalID, err)
		}
		m.Metadata = &meta
	}
	return &m, nil
}

// collectItems scans multiple rows into a slice of MailItems.
func collectItems(rows pgx.Rows) ([]models.MailItem, error) {
	var items []models.MailItem
	for rows.Next() {
		var (
			m        models.MailItem
			id       uuid.UUID
			metaJSON []byte
		)
		if err := rows.Scan(
			&id, &m.ExternalID, &m.SessionID, &m.FileName, &m.FileURL,
			&m.EnvelopeFrontURL, &m.EnvelopeBackURL, &m.CreatedAt, &metaJSON,
		); err != nil {
			return nil, err
		}
		m.ID = id.String()
		if len(metaJSON) > 0 {
			var meta models.AiMetadata
			if err := json.Unmarshal(metaJSON, &meta); err != nil {
				return nil, fmt.Errorf("unmarshal ai metadata for %s: %w", m.ExternalID, err)
			}
			m.Metadata = &meta
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

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

// Package syncstore persists per-tenant file sync records and applies
// status updates to them. Every operation runs on a connection opened for
// the tenant's own database user and schema.
package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bcem/mailpipe/internal/models"
)

// Store reads and writes sync records in one tenant schema.
type Store struct {
	db    *sql.DB
	table string
}

// NewStore wraps a tenant connection. The schema is selected by the
// connection's search_path.
func NewStore(db *sql.DB, table string) *Store {
	return &Store{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the sync table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id                BIGSERIAL PRIMARY KEY,
			created_at        BIGINT NOT NULL,
			updated_at        BIGINT NOT NULL,
			tenant_id         VARCHAR(128) NOT NULL,
			filename          VARCHAR(512) NOT NULL,
			s3_url            TEXT,
			cf_url            TEXT,
			s3_bucket         VARCHAR(256),
			s3_key            TEXT,
			size_bytes        BIGINT,
			delivered_to      JSONB,
			sync_status       VARCHAR(32) NOT NULL,
			meta_subject      TEXT,
			meta_from         TEXT,
			meta_to           TEXT,
			meta_cc           TEXT,
			analysis_summary  TEXT,
			analysis_intent   VARCHAR(64),
			analysis_priority VARCHAR(32),
			analysis_entities JSONB
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure sync table: %w", err)
	}
	return nil
}

// Insert writes one sync record.
func (s *Store) Insert(ctx context.Context, r models.SyncRecord) error {
	delivered, err := json.Marshal(nonNil(r.DeliveredTo))
	if err != nil {
		return fmt.Errorf("encode delivered_to: %w", err)
	}
	entities := r.AnalysisEntities
	if entities == nil {
		entities = []models.Entity{}
	}
	encodedEntities, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encode analysis_entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+s.table+` (
			created_at, updated_at, tenant_id, filename, s3_url, cf_url,
			s3_bucket, s3_key, size_bytes, delivered_to, sync_status,
			meta_subject, meta_from, meta_to, meta_cc,
			analysis_summary, analysis_intent, analysis_priority, analysis_entities
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15, $16, $17, $18, $19::jsonb)
	`,
		r.CreatedAt, r.UpdatedAt, r.TenantID, r.Filename, r.S3URL, r.CFURL,
		r.S3Bucket, r.S3Key, r.SizeBytes, string(delivered), string(r.SyncStatus),
		r.MetaSubject, r.MetaFrom, r.MetaTo, r.MetaCC,
		r.AnalysisSummary, r.AnalysisIntent, r.AnalysisPriority, string(encodedEntities),
	)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// UpdateStatus sets the status of every record of tenantID matching s3Key
// or filename. Empty match values are ignored; at least one is required.
// It returns the number of rows changed.
func (s *Store) UpdateStatus(ctx context.Context, tenantID string, status models.SyncStatus, s3Key, filename string, updatedAt int64) (int64, error) {
	args := []any{string(status), updatedAt, tenantID}
	var conds []string
	if s3Key != "" {
		args = append(args, s3Key)
		conds = append(conds, "s3_key = $"+strconv.Itoa(len(args)))
	}
	if filename != "" {
		args = append(args, filename)
		conds = append(conds, "filename = $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("update status: %w", ErrNoMatchKey)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE `+s.table+`
		SET sync_status = $1, updated_at = $2
		WHERE tenant_id = $3 AND (`+strings.Join(conds, " OR ")+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("update sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
